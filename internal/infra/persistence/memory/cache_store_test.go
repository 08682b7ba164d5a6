package memory

import (
	"context"
	"net/http"
	"testing"

	"github.com/coachpo/fieldcare/internal/domain/cachestore"
)

func TestCacheStorageIsolation(t *testing.T) {
	ctx := context.Background()
	storage := NewCacheStorage()
	b, err := storage.Open(ctx, "dynamic-v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp := &cachestore.StoredResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte("[]"),
	}
	if err := b.Put(ctx, "GET http://x/api/animals", resp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := b.Match(ctx, "GET http://x/api/animals")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	got.Header.Set("X-Mutated", "1")
	got.Body[0] = '{'

	again, _, _ := b.Match(ctx, "GET http://x/api/animals")
	if again.Header.Get("X-Mutated") != "" || string(again.Body) != "[]" {
		t.Fatalf("cached entry must not be mutated through a returned copy")
	}
	if again.StoredAt.IsZero() {
		t.Fatalf("expected StoredAt stamped on put")
	}
}

func TestCacheStorageNamesAndDelete(t *testing.T) {
	ctx := context.Background()
	storage := NewCacheStorage()
	for _, name := range []string{"static-v2", "dynamic-v2", "static-v1"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	names, _ := storage.Names(ctx)
	if len(names) != 3 || names[0] != "dynamic-v2" || names[2] != "static-v2" {
		t.Fatalf("unexpected names %v", names)
	}
	if ok, _ := storage.Delete(ctx, "static-v1"); !ok {
		t.Fatalf("expected delete to report existing bucket")
	}
	if ok, _ := storage.Delete(ctx, "static-v1"); ok {
		t.Fatalf("expected second delete to report absent bucket")
	}
	if _, ok, _ := storage.Lookup(ctx, "static-v1"); ok {
		t.Fatalf("deleted bucket must not be found")
	}
	if _, err := storage.Open(ctx, ""); err == nil {
		t.Fatalf("expected error for empty bucket name")
	}
}
