package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/fieldcare/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestSubmitRefusesWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int32
	block := func(context.Context) error {
		ran.Add(1)
		close(started)
		<-release
		return nil
	}
	if err := p.Submit(context.Background(), block); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), func(context.Context) error { ran.Add(1); return nil }); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if err := p.Submit(context.Background(), func(context.Context) error { ran.Add(1); return nil }); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 2 {
		t.Fatalf("expected running and queued task to complete, got %d", ran.Load())
	}
	if err := p.Submit(context.Background(), func(context.Context) error { return nil }); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed pool error, got %v", err)
	}
}

func TestErrorHandlerReceivesFailuresAndPanics(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []error
	)
	p, err := NewPool(1, 2, WithErrorHandler(func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	boom := errors.New("boom")
	_ = p.Submit(context.Background(), func(context.Context) error { return boom })
	_ = p.Submit(context.Background(), func(context.Context) error { panic("kaput") })
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !errors.Is(seen[0], boom) {
		t.Fatalf("unexpected reported errors %v", seen)
	}
}

func TestSubmitHonoursCancelledContext(t *testing.T) {
	p, _ := NewPool(1, 1)
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
