package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/ringside/internal/model"
)

// RESTOptions configures the HTTP client.
type RESTOptions struct {
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	Logger     *slog.Logger
}

// REST is a Store backed by a PostgREST-style HTTP API.
//
// Every mirrored table is exposed as /rest/v1/<table> with a license_key
// column usable as a filter. Writes PATCH a single entry and ask for the
// updated representation; an empty result means the row did not match.
type REST struct {
	client *resty.Client
	logger *slog.Logger
}

var _ Store = (*REST)(nil)

// NewREST creates a client for the API rooted at baseURL.
func NewREST(baseURL string, opts RESTOptions) *REST {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetHeader("apikey", opts.APIKey).
			SetAuthToken(opts.APIKey)
	}

	return &REST{client: client, logger: opts.Logger}
}

func (r *REST) Ping(ctx context.Context) error {
	resp, err := r.client.R().
		SetContext(ctx).
		Head("/rest/v1/")
	if err != nil {
		return fmt.Errorf("ping: %w: %w", ErrUnreachable, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("ping: %w: status %d", ErrUnreachable, resp.StatusCode())
	}
	return nil
}

func (r *REST) FetchTable(ctx context.Context, table string, scope model.Scope) ([]model.Row, error) {
	if !isMirroredTable(table) {
		return nil, fmt.Errorf("fetch %s: unknown table: %w", table, ErrRejected)
	}
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", table, err, ErrRejected)
	}

	var rows []model.Row
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"select":      "*",
			"license_key": "eq." + scope.LicenseKey,
			"order":       "id.asc",
		}).
		SetResult(&rows).
		Get("/rest/v1/" + table)
	if err := classifyHTTP("fetch "+table, resp, err); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.Row{}
	}

	r.logger.Debug("fetched remote table", "table", table, "rows", len(rows))
	return rows, nil
}

func (r *REST) SubmitScore(ctx context.Context, t Target, s model.Score) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("submit score: %v: %w", err, ErrRejected)
	}
	return r.patchEntry(ctx, "submit score", t, s.Patch())
}

func (r *REST) UpdateCheckinStatus(ctx context.Context, t Target, status model.CheckinStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q: %w", status, ErrRejected)
	}
	return r.patchEntry(ctx, "update status", t, model.StatusPatch(status))
}

func (r *REST) ResetScore(ctx context.Context, t Target) error {
	return r.patchEntry(ctx, "reset score", t, model.ResetPatch())
}

func (r *REST) patchEntry(ctx context.Context, op string, t Target, patch model.Patch) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var updated []model.Row
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParams(map[string]string{
			"id":          "eq." + strconv.FormatInt(t.EntryID, 10),
			"license_key": "eq." + t.LicenseKey,
		}).
		SetBody(patch).
		SetResult(&updated).
		Patch("/rest/v1/" + model.TableEntries)
	if err := classifyHTTP(op, resp, err); err != nil {
		return err
	}
	if len(updated) == 0 {
		return fmt.Errorf("%s: entry %d not found for license: %w", op, t.EntryID, ErrRejected)
	}
	return nil
}

// classifyHTTP maps transport errors and 5xx/429 answers to
// ErrUnreachable and any other non-2xx answer to ErrRejected.
func classifyHTTP(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= http.StatusInternalServerError, code == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: status %d", op, ErrUnreachable, code)
	default:
		return fmt.Errorf("%s: %w: status %d: %s", op, ErrRejected, code, resp.String())
	}
}
