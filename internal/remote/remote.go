// Package remote adapts the remote relational store that holds server
// truth for shows, trials, classes and entries.
//
// Two adapters implement Store: Postgres talks to the database directly
// through lib/pq, and REST talks to a PostgREST-style HTTP API through
// resty. Both classify every failure as either ErrUnreachable (network,
// retry later) or ErrRejected (the server refused the write; retrying
// the same request will not help).
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/roach88/ringside/internal/model"
)

var (
	// ErrUnreachable marks a failure to reach the remote store.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrRejected marks a request the remote store refused.
	ErrRejected = errors.New("remote rejected")
)

// IsUnreachable reports whether err is a network failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsRejected reports whether err is a server-side rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Target addresses one entry row within a license.
type Target struct {
	EntryID    int64
	LicenseKey string
}

func (t Target) validate() error {
	if t.EntryID <= 0 {
		return fmt.Errorf("target: invalid entry id %d: %w", t.EntryID, ErrRejected)
	}
	if t.LicenseKey == "" {
		return fmt.Errorf("target: license key is required: %w", ErrRejected)
	}
	return nil
}

// Store is the remote relational store.
type Store interface {
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// FetchTable returns every row of a mirrored table visible to scope,
	// ordered by id.
	FetchTable(ctx context.Context, table string, scope model.Scope) ([]model.Row, error)

	// SubmitScore writes a score to an entry.
	SubmitScore(ctx context.Context, t Target, s model.Score) error

	// UpdateCheckinStatus writes an entry's check-in status.
	UpdateCheckinStatus(ctx context.Context, t Target, status model.CheckinStatus) error

	// ResetScore clears an entry's score.
	ResetScore(ctx context.Context, t Target) error
}

func isMirroredTable(table string) bool {
	for _, t := range model.MirroredTables {
		if t == table {
			return true
		}
	}
	return false
}

// isNetError reports whether err came from the network layer.
func isNetError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return isNetOpError(err)
}
