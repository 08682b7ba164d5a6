// Package background runs the queue drain in an execution context independent of
// the page, woken by a registered tag when connectivity returns.
package background

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/connectivity"
	"github.com/coachpo/fieldcare/internal/domain/wakestore"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
	"github.com/coachpo/fieldcare/lib/async"
)

const defaultRetryMaxInterval = 5 * time.Minute

// Handler processes a wake for tag. A nil return clears the registration.
type Handler func(ctx context.Context, tag string) error

// PlatformConfig wires a Platform.
type PlatformConfig struct {
	Store wakestore.Store
	// Monitor is the platform's own view of connectivity, not the page's.
	Monitor          *connectivity.Monitor
	RetryMaxInterval time.Duration
	Logger           observability.Logger
}

// Platform dispatches persisted wake registrations to handlers whenever it
// judges connectivity restored. Dispatches run one at a time; wakes arriving
// while one is running and another is queued collapse into the queued one.
type Platform struct {
	store   wakestore.Store
	monitor *connectivity.Monitor
	logger  observability.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pool     *async.Pool
	ctx      context.Context
	cancel   context.CancelFunc
	maxRetry time.Duration
	outcomes chan bool
}

// NewPlatform validates cfg.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	if cfg.Store == nil {
		return nil, errs.New("background", errs.CodeStoreUnavailable, errs.WithMessage("wake registrations need a store"))
	}
	if cfg.Monitor == nil {
		return nil, errs.New("background", errs.CodeInvalid, errs.WithMessage("connectivity monitor required"))
	}
	logger := observability.Or(cfg.Logger)
	pool, err := async.NewPool(1, 1, async.WithErrorHandler(func(err error) {
		logger.Error("wake dispatch failed", observability.F("err", err))
	}))
	if err != nil {
		return nil, err
	}
	maxRetry := cfg.RetryMaxInterval
	if maxRetry <= 0 {
		maxRetry = defaultRetryMaxInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		logger:   logger,
		handlers: make(map[string]Handler),
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		maxRetry: maxRetry,
		outcomes: make(chan bool, 1),
	}, nil
}

// Handle binds h to tag, replacing any previous handler.
func (p *Platform) Handle(tag string, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	tag = strings.TrimSpace(tag)
	if h == nil {
		delete(p.handlers, tag)
		return
	}
	p.handlers[tag] = h
}

// Register persists a wake request for tag and, when the platform considers
// itself online, schedules a dispatch.
func (p *Platform) Register(ctx context.Context, tag string) error {
	if err := p.store.Register(ctx, tag); err != nil {
		return err
	}
	if p.monitor.IsOnline() {
		p.Nudge()
	}
	return nil
}

// Nudge schedules a dispatch of every pending registration.
func (p *Platform) Nudge() {
	err := p.pool.Submit(p.ctx, p.dispatch)
	switch {
	case err == nil:
	case errs.IsCode(err, errs.CodeUnavailable):
		p.logger.Debug("wake dispatch already pending", observability.F("reason", err.Error()))
	default:
		p.logger.Error("schedule wake dispatch", observability.F("err", err))
	}
}

// Run dispatches on every offline to online transition of the platform monitor,
// once at start when online, and retries outstanding registrations with
// exponential backoff while online. It returns when ctx ends.
func (p *Platform) Run(ctx context.Context) error {
	cancel := p.monitor.OnChange(func(online bool) {
		if online {
			p.Nudge()
		}
	})
	defer cancel()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = p.maxRetry
	if retry.InitialInterval > p.maxRetry {
		retry.InitialInterval = p.maxRetry
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	if p.monitor.IsOnline() {
		p.Nudge()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case leftovers := <-p.outcomes:
			if !leftovers {
				retry.Reset()
				timer.Stop()
				continue
			}
			if !p.monitor.IsOnline() {
				continue
			}
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				wait = p.maxRetry
			}
			p.logger.Info("wake registrations outstanding; retrying", observability.F("in", wait.String()))
			timer.Reset(wait)
		case <-timer.C:
			if p.monitor.IsOnline() {
				p.Nudge()
			}
		}
	}
}

// DispatchNow runs one dispatch on the calling goroutine. One-shot contexts use
// it in place of Run.
func (p *Platform) DispatchNow(ctx context.Context) error {
	return p.dispatch(ctx)
}

// Pending lists outstanding registrations.
func (p *Platform) Pending(ctx context.Context) ([]wakestore.Registration, error) {
	return p.store.Pending(ctx)
}

// Close stops dispatching and waits for an in-flight dispatch or ctx expiry.
func (p *Platform) Close(ctx context.Context) error {
	p.cancel()
	return p.pool.Shutdown(ctx)
}

func (p *Platform) dispatch(ctx context.Context) error {
	regs, err := p.store.Pending(ctx)
	if err != nil {
		p.report(true)
		return err
	}
	leftovers := false
	for _, reg := range regs {
		if ctx.Err() != nil {
			leftovers = true
			break
		}
		p.handlersMu.RLock()
		handler, ok := p.handlers[reg.Tag]
		p.handlersMu.RUnlock()
		if !ok {
			p.logger.Debug("no handler for wake tag", observability.F("tag", reg.Tag))
			continue
		}
		if err := handler(ctx, reg.Tag); err != nil {
			leftovers = true
			telemetry.RecordWakeDispatch(ctx, reg.Tag, "retry")
			p.logger.Info("wake handler left work outstanding",
				observability.F("tag", reg.Tag),
				observability.F("err", err))
			continue
		}
		cleared, err := p.store.Clear(ctx, reg)
		if err != nil {
			leftovers = true
			p.logger.Error("clear wake registration", observability.F("tag", reg.Tag), observability.F("err", err))
			continue
		}
		if !cleared {
			// Registered again while the handler ran; that request still needs a pass.
			leftovers = true
			telemetry.RecordWakeDispatch(ctx, reg.Tag, "reregistered")
			p.logger.Debug("wake re-registered during dispatch", observability.F("tag", reg.Tag))
			continue
		}
		telemetry.RecordWakeDispatch(ctx, reg.Tag, "cleared")
	}
	p.report(leftovers)
	return nil
}

func (p *Platform) report(leftovers bool) {
	select {
	case <-p.outcomes:
	default:
	}
	select {
	case p.outcomes <- leftovers:
	default:
	}
}
