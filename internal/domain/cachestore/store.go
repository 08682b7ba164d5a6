// Package cachestore defines versioned response bucket storage used by the request router.
package cachestore

import (
	"context"
	"net/http"
	"time"
)

// StoredResponse is a cached copy of a successful upstream response.
type StoredResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy so callers may mutate headers without touching the cache.
func (r *StoredResponse) Clone() *StoredResponse {
	if r == nil {
		return nil
	}
	out := &StoredResponse{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// Bucket maps request identities to stored responses.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (*StoredResponse, bool, error)
	// Put creates or overwrites the entry for key.
	Put(ctx context.Context, key string, resp *StoredResponse) error
	Len(ctx context.Context) (int, error)
}

// Storage manages named buckets. Open creates the bucket when it does not exist.
type Storage interface {
	Open(ctx context.Context, name string) (Bucket, error)
	// Lookup returns an existing bucket without creating it.
	Lookup(ctx context.Context, name string) (Bucket, bool, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the bucket and every entry in it, reporting whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
}
