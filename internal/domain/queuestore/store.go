// Package queuestore defines persistence contracts for submissions awaiting delivery.
package queuestore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// TimestampLayout is the ISO 8601 form used to persist capture times.
const TimestampLayout = time.RFC3339Nano

// PendingSubmission is one captured submission that has not been delivered yet.
//
// A record is present in the store exactly as long as it has not been delivered:
// successful delivery deletes it. Synced is therefore always false for a resident
// record; it is persisted only so the synced index stays populated.
type PendingSubmission struct {
	ID        int64
	Payload   json.RawMessage
	Timestamp time.Time
	Synced    bool
}

// Store abstracts the durable queue of pending submissions.
//
// ListPending returns records in ascending ID order. Both shipped engines assign
// IDs monotonically on insert, so that order is insertion order; a new engine
// must preserve this property rather than rely on it implicitly.
type Store interface {
	// Append persists payload verbatim and returns the assigned ID.
	Append(ctx context.Context, payload json.RawMessage) (int64, error)
	ListPending(ctx context.Context) ([]PendingSubmission, error)
	// Remove deletes the record; removing an absent ID is not an error.
	Remove(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
	Close() error
}
