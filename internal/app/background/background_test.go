package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/connectivity"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/infra/delivery"
	"github.com/coachpo/fieldcare/internal/infra/persistence/sqlite"
	"github.com/coachpo/fieldcare/internal/observability"
)

const tag = "carelog-sync"

type stubDeliverer struct {
	mu    sync.Mutex
	fails bool
	sent  int
}

func (s *stubDeliverer) Deliver(context.Context, json.RawMessage) (delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if s.fails {
		return delivery.Result{}, errs.New("delivery", errs.CodeTransient)
	}
	return delivery.Result{Status: 201}, nil
}

func (s *stubDeliverer) setFails(v bool) {
	s.mu.Lock()
	s.fails = v
	s.mu.Unlock()
}

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Options{Dir: t.TempDir(), Name: "background", Version: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newPlatform(t *testing.T, db *sqlite.DB, online bool) (*Platform, *connectivity.Monitor) {
	t.Helper()
	monitor := connectivity.NewMonitor(online, connectivity.WithSource(events.SourceBackground))
	p, err := NewPlatform(PlatformConfig{
		Store:            db.Wakes(),
		Monitor:          monitor,
		RetryMaxInterval: 20 * time.Millisecond,
		Logger:           observability.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, monitor
}

func pendingTags(t *testing.T, p *Platform) []string {
	t.Helper()
	regs, err := p.Pending(context.Background())
	require.NoError(t, err)
	tags := make([]string, 0, len(regs))
	for _, r := range regs {
		tags = append(tags, r.Tag)
	}
	return tags
}

func TestRegisterWhileOnlineDispatchesAndClears(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, true)
	var calls atomic.Int32
	p.Handle(tag, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, p.Register(context.Background(), tag))
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && len(pendingTags(t, p)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterWhileOfflineWaitsForReconnect(t *testing.T) {
	db := openDB(t)
	p, monitor := newPlatform(t, db, false)
	var calls atomic.Int32
	p.Handle(tag, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, p.Register(context.Background(), tag))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, calls.Load(), "no dispatch while the platform is offline")
	require.Equal(t, []string{tag}, pendingTags(t, p))

	monitor.Set(context.Background(), true)
	require.Eventually(t, func() bool {
		return calls.Load() >= 1 && len(pendingTags(t, p)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedHandlerKeepsRegistrationAndRetries(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, true)
	var calls atomic.Int32
	p.Handle(tag, func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("still pending")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	require.NoError(t, p.Register(context.Background(), tag))

	require.Eventually(t, func() bool {
		return calls.Load() >= 3 && len(pendingTags(t, p)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTriggerClearsOnlyAfterFullDrain(t *testing.T) {
	db := openDB(t)
	queue := db.Queue()
	_, err := queue.Append(context.Background(), json.RawMessage(`{"animalId":7}`))
	require.NoError(t, err)

	d := &stubDeliverer{fails: true}
	trigger, err := NewTrigger(TriggerConfig{Store: queue, Deliverer: d, Logger: observability.NopLogger()})
	require.NoError(t, err)

	err = trigger.HandleWake(context.Background(), tag)
	require.True(t, errs.IsCode(err, errs.CodeTransient), "got %v", err)
	n, _ := queue.Count(context.Background())
	require.Equal(t, 1, n)

	d.setFails(false)
	require.NoError(t, trigger.HandleWake(context.Background(), tag))
	n, _ = queue.Count(context.Background())
	require.Zero(t, n)
}

func TestPlatformWithTriggerEndToEnd(t *testing.T) {
	db := openDB(t)
	queue := db.Queue()
	_, err := queue.Append(context.Background(), json.RawMessage(`{"animalId":7}`))
	require.NoError(t, err)

	d := &stubDeliverer{}
	trigger, err := NewTrigger(TriggerConfig{Store: queue, Deliverer: d})
	require.NoError(t, err)
	p, _ := newPlatform(t, db, true)
	p.Handle(tag, trigger.HandleWake)

	require.NoError(t, p.Register(context.Background(), tag))
	require.Eventually(t, func() bool {
		n, err := queue.Count(context.Background())
		return err == nil && n == 0 && len(pendingTags(t, p)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewPlatformRequiresStore(t *testing.T) {
	_, err := NewPlatform(PlatformConfig{Monitor: connectivity.NewMonitor(true)})
	require.True(t, errs.IsCode(err, errs.CodeStoreUnavailable))
}

func TestDispatchNowRunsSynchronously(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, false)
	var calls atomic.Int32
	p.Handle(tag, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, p.Register(context.Background(), tag))
	require.Equal(t, []string{tag}, pendingTags(t, p))

	require.NoError(t, p.DispatchNow(context.Background()))
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, pendingTags(t, p))
}

func TestRegistrationDuringDispatchSurvivesClear(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, false)
	var calls atomic.Int32
	p.Handle(tag, func(ctx context.Context, tag string) error {
		if calls.Add(1) == 1 {
			// A submission queued while this pass was already past its listing.
			return db.Wakes().Register(ctx, tag)
		}
		return nil
	})
	require.NoError(t, p.Register(context.Background(), tag))

	require.NoError(t, p.DispatchNow(context.Background()))
	require.Equal(t, []string{tag}, pendingTags(t, p), "newer registration must not be cleared")

	require.NoError(t, p.DispatchNow(context.Background()))
	require.Equal(t, int32(2), calls.Load())
	require.Empty(t, pendingTags(t, p))
}

func TestRegisterWhileHandlerRunsTriggersAnotherPass(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p.Handle(tag, func(context.Context, string) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	require.NoError(t, p.Register(context.Background(), tag))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch never started")
	}
	require.NoError(t, p.Register(context.Background(), tag))
	close(release)

	require.Eventually(t, func() bool {
		return calls.Load() >= 2 && len(pendingTags(t, p)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandleTrimsTagOnRemoval(t *testing.T) {
	db := openDB(t)
	p, _ := newPlatform(t, db, false)
	var calls atomic.Int32
	p.Handle(" "+tag+" ", func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	p.Handle(" "+tag+" ", nil)

	require.NoError(t, p.Register(context.Background(), tag))
	require.NoError(t, p.DispatchNow(context.Background()))
	require.Zero(t, calls.Load(), "removed handler must not run")
	require.Equal(t, []string{tag}, pendingTags(t, p))
}
