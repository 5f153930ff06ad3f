// Package realtime delivers row-level change notifications from the
// remote store.
//
// A Channel fans events out to per-table handlers. Delivery is
// at-least-once: handlers must tolerate duplicates and out-of-order
// events. Adapters:
//
//   - Hub: in-process, for tests and for a single-binary deployment
//   - RedisStream: one Redis stream per table
//   - WebSocket: JSON text frames from a realtime gateway
//   - MQTT: one topic per table on a broker
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/ringside/internal/model"
)

// Op is the kind of change an event carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one row-level change. Record holds the new row for inserts and
// updates; OldRecord holds the removed row for deletes.
type Event struct {
	Table     string    `json:"table"`
	Type      Op        `json:"type"`
	Record    model.Row `json:"record,omitempty"`
	OldRecord model.Row `json:"old_record,omitempty"`
}

// EntityID returns the id of the row the event concerns.
func (e Event) EntityID() (int64, bool) {
	if e.Type == OpDelete {
		if id, ok := e.OldRecord.ID(); ok {
			return id, true
		}
	}
	return e.Record.ID()
}

// Validate checks the event is well formed.
func (e Event) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("event: missing table")
	}
	switch e.Type {
	case OpInsert, OpUpdate:
		if e.Record == nil {
			return fmt.Errorf("event %s on %s: missing record", e.Type, e.Table)
		}
	case OpDelete:
	default:
		return fmt.Errorf("event on %s: unknown type %q", e.Table, e.Type)
	}
	if _, ok := e.EntityID(); !ok {
		return fmt.Errorf("event %s on %s: missing id", e.Type, e.Table)
	}
	return nil
}

// DecodeEvent parses a JSON event. table fills in the table name when the
// payload omits it, as per-table transports often do.
func DecodeEvent(data []byte, table string) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	if e.Table == "" {
		e.Table = table
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Handler receives events for one table.
type Handler func(Event)

// Channel is a source of change notifications.
type Channel interface {
	// Subscribe delivers every subsequent event for table to h until the
	// subscription is cancelled or ctx is done.
	Subscribe(ctx context.Context, table string, h Handler) (Subscription, error)
}

// Subscription is an active Subscribe call.
type Subscription interface {
	Unsubscribe() error
}
