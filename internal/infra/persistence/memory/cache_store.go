// Package memory provides process-local cache bucket storage.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/cachestore"
)

// CacheStorage keeps buckets in memory. Entries are cloned on the way in and out.
type CacheStorage struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewCacheStorage constructs an empty storage.
func NewCacheStorage() *CacheStorage {
	return &CacheStorage{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *CacheStorage) Open(_ context.Context, name string) (cachestore.Bucket, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.New("persistence/memory", errs.CodeInvalid, errs.WithMessage("bucket name required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{name: name, entries: make(map[string]*cachestore.StoredResponse), now: s.now}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *CacheStorage) Lookup(_ context.Context, name string) (cachestore.Bucket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (s *CacheStorage) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *CacheStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

type bucket struct {
	mu      sync.RWMutex
	name    string
	entries map[string]*cachestore.StoredResponse
	now     func() time.Time
}

func (b *bucket) Name() string { return b.name }

func (b *bucket) Match(_ context.Context, key string) (*cachestore.StoredResponse, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (b *bucket) Put(_ context.Context, key string, resp *cachestore.StoredResponse) error {
	if resp == nil {
		return errs.New("persistence/memory", errs.CodeInvalid, errs.WithMessage("response required"))
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = b.now()
	}
	b.mu.Lock()
	b.entries[key] = stored
	b.mu.Unlock()
	return nil
}

func (b *bucket) Len(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}

var _ cachestore.Storage = (*CacheStorage)(nil)
