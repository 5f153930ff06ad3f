package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/model"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   map[string]any
}

// restServer returns a test server that records requests and answers with
// handler.
func restServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*REST, *[]recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  map[string]string{},
			Header: r.Header.Clone(),
		}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewREST(srv.URL, RESTOptions{
		APIKey:  "anon-key",
		Timeout: 2 * time.Second,
		Logger:  slog.New(slog.DiscardHandler),
	})
	return client, &reqs
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestREST_FetchTable(t *testing.T) {
	client, reqs := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":3,"class_id":7,"entry_status":"none"}]`)
	})

	rows, err := client.FetchTable(context.Background(), model.TableEntries, model.Scope{LicenseKey: "L1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(7), rows[0]["class_id"])

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/entries", req.Path)
	assert.Equal(t, "eq.L1", req.Query["license_key"])
	assert.Equal(t, "id.asc", req.Query["order"])
	assert.Equal(t, "anon-key", req.Header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", req.Header.Get("Authorization"))
}

func TestREST_FetchTable_EmptyIsNotNil(t *testing.T) {
	client, _ := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	rows, err := client.FetchTable(context.Background(), model.TableShows, model.Scope{LicenseKey: "L1"})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestREST_FetchTable_UnknownTable(t *testing.T) {
	client, reqs := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	_, err := client.FetchTable(context.Background(), "users", model.Scope{LicenseKey: "L1"})
	assert.True(t, IsRejected(err))
	assert.Empty(t, *reqs)
}

func TestREST_SubmitScore(t *testing.T) {
	client, reqs := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":1,"result_text":"Q"}]`)
	})

	err := client.SubmitScore(context.Background(), target, model.Score{ResultText: "Q", SearchTimeMS: 61000})
	require.NoError(t, err)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/rest/v1/entries", req.Path)
	assert.Equal(t, "eq.1", req.Query["id"])
	assert.Equal(t, "eq.L1", req.Query["license_key"])
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
	assert.Equal(t, "Q", req.Body["result_text"])
	assert.Equal(t, float64(61000), req.Body["search_time_ms"])
	assert.Equal(t, true, req.Body["is_scored"])
	assert.Equal(t, "completed", req.Body["entry_status"])
}

func TestREST_UpdateCheckinStatus_NoMatch(t *testing.T) {
	client, _ := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	err := client.UpdateCheckinStatus(context.Background(), target, model.StatusAtGate)
	assert.True(t, IsRejected(err))
}

func TestREST_StatusClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unreachable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
		{"conflict", http.StatusConflict, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := restServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, `{"message":"nope"}`)
			})

			err := client.ResetScore(context.Background(), target)
			require.Error(t, err)
			assert.Equal(t, tt.unreachable, IsUnreachable(err))
			assert.Equal(t, !tt.unreachable, IsRejected(err))
		})
	}
}

func TestREST_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewREST(url, RESTOptions{Timeout: time.Second, Logger: slog.New(slog.DiscardHandler)})

	assert.True(t, IsUnreachable(client.Ping(context.Background())))
	assert.True(t, IsUnreachable(client.ResetScore(context.Background(), target)))
}

func TestREST_Ping(t *testing.T) {
	client, reqs := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Ping(context.Background()))
	require.Len(t, *reqs, 1)
	assert.Equal(t, http.MethodHead, (*reqs)[0].Method)
}
