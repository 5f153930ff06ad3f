package optimistic

import (
	"errors"
	"fmt"

	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/remote"
)

// SyncError represents a failure on the optimistic write path.
//
// Sync errors include:
//   - Invalid input: rejected before any local state changes
//   - Offline: the remote write could not reach the server
//   - Remote rejected: the server refused the write
//   - Replay failed: a queued write failed on replay
//   - Reconciliation timeout: no confirmation arrived within the safety window
//
// Only invalid input is returned synchronously by the mutation
// operations; the rest are observable on the Mutation handle.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// EntryID identifies the affected entry, if any.
	EntryID int64

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeOffline indicates the remote store was unreachable.
	ErrCodeOffline ErrorCode = "OFFLINE"

	// ErrCodeRemoteRejected indicates the remote store refused a write.
	ErrCodeRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// ErrCodeReplayFailed indicates a queued write failed on replay.
	ErrCodeReplayFailed ErrorCode = queue.CodeReplayFailed

	// ErrCodeReconciliationTimeout indicates the safety timeout cleared a
	// pending change.
	ErrCodeReconciliationTimeout ErrorCode = "RECONCILIATION_TIMEOUT"

	// ErrCodeInvalidInput indicates a structurally invalid mutation.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntryID != 0 {
		msg = fmt.Sprintf("%s (entry=%d)", msg, e.EntryID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsInvalidInput returns true if err is an invalid input error.
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsOffline returns true if err is an offline error.
func IsOffline(err error) bool {
	return hasCode(err, ErrCodeOffline)
}

// IsRemoteRejected returns true if err is a remote rejection.
func IsRemoteRejected(err error) bool {
	return hasCode(err, ErrCodeRemoteRejected)
}

// IsReplayFailed returns true if err is a failed replay.
// Matches both SyncError with ErrCodeReplayFailed and queue.ReplayError.
func IsReplayFailed(err error) bool {
	return hasCode(err, ErrCodeReplayFailed) || queue.IsReplayFailed(err)
}

// IsReconciliationTimeout returns true if err is a reconciliation timeout.
func IsReconciliationTimeout(err error) bool {
	return hasCode(err, ErrCodeReconciliationTimeout)
}

func invalidInput(entryID int64, format string, args ...any) *SyncError {
	return &SyncError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf(format, args...),
		EntryID: entryID,
	}
}

// remoteError classifies a remote write failure.
func remoteError(entryID int64, err error) *SyncError {
	if remote.IsUnreachable(err) {
		return &SyncError{Code: ErrCodeOffline, Message: "remote unreachable", EntryID: entryID, Err: err}
	}
	return &SyncError{Code: ErrCodeRemoteRejected, Message: "remote write failed", EntryID: entryID, Err: err}
}
