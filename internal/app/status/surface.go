// Package status maintains the user-visible connectivity and sync status region.
package status

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/coachpo/fieldcare/internal/app/connectivity"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Level classifies the sync message.
type Level string

const (
	LevelNone     Level = ""
	LevelProgress Level = "progress"
	LevelSuccess  Level = "success"
	LevelError    Level = "error"
)

const (
	DefaultConnectionElement = "connection-status"
	DefaultSyncElement       = "sync-status"
	defaultClearAfter        = 3 * time.Second
)

// Snapshot is the rendered state of the status region.
type Snapshot struct {
	Connection string    `json:"connection"`
	Message    string    `json:"message"`
	Level      Level     `json:"level"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config parameterises a Surface.
type Config struct {
	ConnectionElement string
	SyncElement       string
	// ClearAfter is how long a success message stays visible.
	ClearAfter time.Duration
	Logger     observability.Logger
}

// Surface is the single status region shared by every view of one execution context.
type Surface struct {
	connectionID string
	syncID       string
	clearAfter   time.Duration
	logger       observability.Logger

	mu       sync.Mutex
	snapshot Snapshot
	// messageGen counts message changes only; a pending clear fires only if it
	// still matches.
	messageGen uint64
	clearTimer *time.Timer
	watchers   map[uint64]chan Snapshot
	nextWatch  uint64
	// finished holds recently completed pass ids; progress for them is stale.
	finished []string
}

const finishedPasses = 8

// New constructs a Surface showing the given initial connectivity.
func New(cfg Config, online bool) *Surface {
	s := &Surface{
		connectionID: cfg.ConnectionElement,
		syncID:       cfg.SyncElement,
		clearAfter:   cfg.ClearAfter,
		logger:       observability.Or(cfg.Logger),
		watchers:     make(map[uint64]chan Snapshot),
	}
	if s.connectionID == "" {
		s.connectionID = DefaultConnectionElement
	}
	if s.syncID == "" {
		s.syncID = DefaultSyncElement
	}
	if s.clearAfter <= 0 {
		s.clearAfter = defaultClearAfter
	}
	s.snapshot = Snapshot{Connection: connectivity.State(online), UpdatedAt: time.Now()}
	return s
}

// Attach registers the surface on m through the same listener path the
// orchestrator uses, so both observe one source of truth.
func (s *Surface) Attach(m *connectivity.Monitor) (cancel func()) {
	s.SetOnline(m.IsOnline())
	return m.OnChange(s.SetOnline)
}

// SetOnline updates the connectivity indicator.
func (s *Surface) SetOnline(online bool) {
	s.update(func(snap *Snapshot) bool {
		state := connectivity.State(online)
		if snap.Connection == state {
			return false
		}
		snap.Connection = state
		return true
	})
}

// Run applies sync events from bus until ctx ends or the bus closes.
func (s *Surface) Run(ctx context.Context, bus eventbus.Bus) error {
	done, err := s.Follow(ctx, bus)
	if err != nil {
		return err
	}
	return <-done
}

// Follow subscribes to sync events and applies them on a new goroutine. The
// subscriptions are live when Follow returns; done yields Run's result.
func (s *Surface) Follow(ctx context.Context, bus eventbus.Bus) (<-chan error, error) {
	progressID, progress, err := bus.Subscribe(ctx, events.EventTypeSyncProgress)
	if err != nil {
		return nil, fmt.Errorf("subscribe sync progress: %w", err)
	}
	completeID, complete, err := bus.Subscribe(ctx, events.EventTypeSyncComplete)
	if err != nil {
		bus.Unsubscribe(progressID)
		return nil, fmt.Errorf("subscribe sync complete: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer bus.Unsubscribe(progressID)
		defer bus.Unsubscribe(completeID)
		done <- s.consume(ctx, progress, complete)
	}()
	return done, nil
}

func (s *Surface) consume(ctx context.Context, progress, complete <-chan *events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-progress:
			if !ok {
				return ctx.Err()
			}
			s.Apply(evt)
		case evt, ok := <-complete:
			if !ok {
				return ctx.Err()
			}
			s.Apply(evt)
		}
	}
}

// Apply folds one sync event into the status message.
func (s *Surface) Apply(evt *events.Event) {
	if p, ok := evt.Progress(); ok {
		s.applyProgress(p)
		return
	}
	if c, ok := evt.Complete(); ok {
		s.applyComplete(c)
	}
}

func (s *Surface) applyProgress(p events.SyncProgressPayload) {
	if p.Pending == 0 || s.isFinished(p.PassID) {
		return
	}
	var msg string
	switch p.Stage {
	case events.ProgressStarted:
		msg = fmt.Sprintf("syncing %d pending", p.Pending)
	default:
		msg = fmt.Sprintf("synced %d of %d", p.Attempted, p.Pending)
	}
	s.setMessage(msg, LevelProgress)
}

func (s *Surface) applyComplete(c events.SyncCompletePayload) {
	s.markFinished(c.PassID)
	switch {
	case c.Attempted == 0:
		return
	case c.Failed == 0:
		s.setMessage(fmt.Sprintf("%d succeeded", c.Succeeded), LevelSuccess)
	default:
		s.setMessage(fmt.Sprintf("%d succeeded, %d failed", c.Succeeded, c.Failed), LevelError)
	}
}

func (s *Surface) markFinished(passID string) {
	if passID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, passID)
	if len(s.finished) > finishedPasses {
		s.finished = s.finished[len(s.finished)-finishedPasses:]
	}
}

func (s *Surface) isFinished(passID string) bool {
	if passID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.finished {
		if id == passID {
			return true
		}
	}
	return false
}

// Notify shows an arbitrary message, e.g. a submission outcome.
func (s *Surface) Notify(message string, level Level) {
	s.setMessage(message, level)
}

func (s *Surface) setMessage(message string, level Level) {
	s.logger.Debug("status message", observability.F("message", message), observability.F("level", string(level)))
	var gen uint64
	s.update(func(snap *Snapshot) bool {
		s.messageGen++
		gen = s.messageGen
		snap.Message = message
		snap.Level = level
		return true
	})
	if level != LevelSuccess {
		return
	}
	s.mu.Lock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.clearTimer = time.AfterFunc(s.clearAfter, func() {
		s.clearIf(gen)
	})
	s.mu.Unlock()
}

func (s *Surface) clearIf(gen uint64) {
	s.update(func(snap *Snapshot) bool {
		if s.messageGen != gen {
			return false
		}
		snap.Message = ""
		snap.Level = LevelNone
		return true
	})
}

// update applies fn under the lock and fans the new snapshot out to watchers.
func (s *Surface) update(fn func(*Snapshot) bool) {
	s.mu.Lock()
	if !fn(&s.snapshot) {
		s.mu.Unlock()
		return
	}
	s.snapshot.UpdatedAt = time.Now()
	snap := s.snapshot
	watchers := make([]chan Snapshot, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot returns the current state.
func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Watch returns a channel that always holds the latest snapshot after a change.
// Slow readers only ever see the most recent state.
func (s *Surface) Watch() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWatch++
	id := s.nextWatch
	ch := make(chan Snapshot, 1)
	ch <- s.snapshot
	s.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Close stops a pending auto-clear.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
}

var fragment = template.Must(template.New("status").Parse(
	`<div id="{{.ConnectionID}}" class="connection-{{.Snapshot.Connection}}">{{.Snapshot.Connection}}</div>` +
		`<div id="{{.SyncID}}" class="sync-{{if .Snapshot.Level}}{{.Snapshot.Level}}{{else}}idle{{end}}" role="status">{{.Snapshot.Message}}</div>`))

// RenderHTML renders the region as an HTML fragment using the configured element ids.
func (s *Surface) RenderHTML() ([]byte, error) {
	var buf bytes.Buffer
	err := fragment.Execute(&buf, struct {
		ConnectionID string
		SyncID       string
		Snapshot     Snapshot
	}{s.connectionID, s.syncID, s.Snapshot()})
	if err != nil {
		return nil, fmt.Errorf("render status: %w", err)
	}
	return buf.Bytes(), nil
}
