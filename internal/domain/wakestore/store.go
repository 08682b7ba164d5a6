// Package wakestore persists background wake requests keyed by tag.
package wakestore

import (
	"context"
	"time"
)

// Registration records that a background drain was requested for Tag.
type Registration struct {
	Tag         string
	RequestedAt time.Time
	// Generation increases on every Register of the same tag.
	Generation int64
}

// Store keeps at most one registration per tag. Register refreshes RequestedAt
// and bumps Generation for an existing tag.
type Store interface {
	Register(ctx context.Context, tag string) error
	Pending(ctx context.Context) ([]Registration, error)
	// Clear removes reg only while its tag still carries reg.Generation, so a
	// request made after reg was listed survives. It reports whether a row was removed.
	Clear(ctx context.Context, reg Registration) (bool, error)
}
