package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/store"
)

// ItemContext is the denormalised context captured when a mutation is
// queued, so the item can be shown and replayed without the mirrors.
type ItemContext struct {
	LicenseKey  string `json:"license_key"`
	ClassID     int64  `json:"class_id,omitempty"`
	Armband     int    `json:"armband,omitempty"`
	ClassLabel  string `json:"class_label,omitempty"`
	TrialDate   string `json:"trial_date,omitempty"`
	TrialNumber int    `json:"trial_number,omitempty"`
}

// Item is one queued mutation.
type Item struct {
	ID            string
	Seq           int64
	EntryID       int64
	Kind          model.Source
	Context       ItemContext
	Payload       model.Patch
	Attempts      int
	LastError     string
	EnqueuedAt    time.Time
	LastAttemptAt *time.Time
}

func (it Item) validate() error {
	if it.EntryID <= 0 {
		return fmt.Errorf("queue item: invalid entry id %d", it.EntryID)
	}
	if !it.Kind.Valid() {
		return fmt.Errorf("queue item: unknown kind %q", it.Kind)
	}
	if it.Context.LicenseKey == "" {
		return fmt.Errorf("queue item: license key is required")
	}
	return nil
}

func (it Item) record() (store.QueueRecord, error) {
	ctxJSON, err := json.Marshal(it.Context)
	if err != nil {
		return store.QueueRecord{}, fmt.Errorf("marshal context: %w", err)
	}
	payload := it.Payload
	if payload == nil {
		payload = model.Patch{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return store.QueueRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	return store.QueueRecord{
		ID:         it.ID,
		EntryID:    it.EntryID,
		Kind:       string(it.Kind),
		Context:    string(ctxJSON),
		Payload:    string(payloadJSON),
		EnqueuedAt: it.EnqueuedAt,
	}, nil
}

func itemFromRecord(rec store.QueueRecord) (Item, error) {
	it := Item{
		ID:            rec.ID,
		Seq:           rec.Seq,
		EntryID:       rec.EntryID,
		Kind:          model.Source(rec.Kind),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		EnqueuedAt:    rec.EnqueuedAt,
		LastAttemptAt: rec.LastAttemptAt,
	}
	if err := json.Unmarshal([]byte(rec.Context), &it.Context); err != nil {
		return Item{}, fmt.Errorf("queue item %s: decode context: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.Payload), &it.Payload); err != nil {
		return Item{}, fmt.Errorf("queue item %s: decode payload: %w", rec.ID, err)
	}
	return it, nil
}

// IDGenerator produces queue item ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 item ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
