package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned by Drain while the remote is unreachable.
	ErrOffline = errors.New("OFFLINE: remote unreachable, queue not drained")

	// ErrDrainInProgress is returned by Drain when another drain is running.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrNoReplayer is returned by Drain before SetReplayer was called.
	ErrNoReplayer = errors.New("queue has no replayer")
)

// CodeReplayFailed identifies a failed replay.
const CodeReplayFailed = "REPLAY_FAILED"

// ReplayError reports the item that halted a drain.
type ReplayError struct {
	ItemID   string
	EntryID  int64
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s: queue item %s (entry %d, attempt %d): %v",
		CodeReplayFailed, e.ItemID, e.EntryID, e.Attempts, e.Err)
}

// Unwrap returns the replay failure.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsReplayFailed returns true if err is a ReplayError.
// Uses errors.As to handle wrapped errors.
func IsReplayFailed(err error) bool {
	var re *ReplayError
	return errors.As(err, &re)
}
