package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coachpo/fieldcare/internal/observability"
)

// Install opens the static bucket for the current version and precaches the
// configured paths and the offline document. Every path is attempted; failures
// are returned together.
func (rt *Router) Install(ctx context.Context) error {
	bucket, err := rt.storage.Open(ctx, rt.staticBucket)
	if err != nil {
		return fmt.Errorf("open static bucket: %w", err)
	}
	paths := append([]string(nil), rt.precache...)
	if rt.offlineDoc != "" {
		paths = append(paths, rt.offlineDoc)
	}

	var failures []error
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		target := rt.resolve(p)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			failures = append(failures, fmt.Errorf("precache %s: %w", p, err))
			continue
		}
		resp, err := rt.do(req)
		if err != nil {
			failures = append(failures, fmt.Errorf("precache %s: %w", p, err))
			continue
		}
		if !cacheable(resp) {
			failures = append(failures, fmt.Errorf("precache %s: upstream returned %d", p, resp.Status))
			continue
		}
		if err := bucket.Put(ctx, rt.key(http.MethodGet, target), resp); err != nil {
			failures = append(failures, fmt.Errorf("precache %s: %w", p, err))
		}
	}
	if err := observability.AggregateErrors(rt.logger, "cache install", failures,
		observability.F("bucket", rt.staticBucket)); err != nil {
		return err
	}
	rt.logger.Info("cache installed", observability.F("bucket", rt.staticBucket), observability.F("entries", len(seen)))
	return nil
}

// Activate deletes every bucket other than the current static and dynamic
// generations and returns the deleted names.
func (rt *Router) Activate(ctx context.Context) ([]string, error) {
	names, err := rt.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	var (
		deleted  []string
		failures []error
	)
	for _, name := range names {
		if name == rt.staticBucket || name == rt.dynamicBucket {
			continue
		}
		ok, err := rt.storage.Delete(ctx, name)
		if err != nil {
			failures = append(failures, fmt.Errorf("delete bucket %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	if err := observability.AggregateErrors(rt.logger, "cache activate", failures); err != nil {
		return deleted, err
	}
	if len(deleted) > 0 {
		rt.logger.Info("stale cache generations removed",
			observability.F("version", rt.version),
			observability.F("buckets", strings.Join(deleted, ",")))
	}
	return deleted, nil
}
