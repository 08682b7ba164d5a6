package syncer

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/connectivity"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/infra/delivery"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Outcome is the resolved state of a Save call.
type Outcome string

const (
	// OutcomeDelivered means the write endpoint accepted the submission directly.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeQueued means the submission is stored durably but not yet confirmed delivered.
	OutcomeQueued Outcome = "queued"
	// OutcomeRejected means the submission was refused and was not queued.
	OutcomeRejected Outcome = "rejected"
)

// WakeRequester asks the background context to drain later.
type WakeRequester interface {
	Register(ctx context.Context, tag string) error
}

// Config wires an Orchestrator. A nil Store runs the orchestrator online-only.
type Config struct {
	Monitor   *connectivity.Monitor
	Deliverer delivery.Deliverer
	Store     queuestore.Store
	Waker     WakeRequester
	WakeTag   string
	Bus       eventbus.Bus
	Source    events.Source
	Logger    observability.Logger
}

// Orchestrator is the capture façade for one execution context.
type Orchestrator struct {
	monitor   *connectivity.Monitor
	deliverer delivery.Deliverer
	store     queuestore.Store
	drainer   *Drainer
	waker     WakeRequester
	wakeTag   string
	logger    observability.Logger

	kick chan struct{}
}

// New validates cfg and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Monitor == nil {
		return nil, errs.New("syncer", errs.CodeInvalid, errs.WithMessage("connectivity monitor required"))
	}
	if cfg.Deliverer == nil {
		return nil, errs.New("syncer", errs.CodeInvalid, errs.WithMessage("deliverer required"))
	}
	o := &Orchestrator{
		monitor:   cfg.Monitor,
		deliverer: cfg.Deliverer,
		store:     cfg.Store,
		waker:     cfg.Waker,
		wakeTag:   strings.TrimSpace(cfg.WakeTag),
		logger:    observability.Or(cfg.Logger),
		kick:      make(chan struct{}, 1),
	}
	if cfg.Store != nil {
		drainer, err := NewDrainer(DrainerConfig{
			Store:     cfg.Store,
			Deliverer: cfg.Deliverer,
			Bus:       cfg.Bus,
			Source:    cfg.Source,
			Logger:    o.logger,
		})
		if err != nil {
			return nil, err
		}
		o.drainer = drainer
	}
	return o, nil
}

// OfflineEnabled reports whether a durable queue backs this orchestrator.
func (o *Orchestrator) OfflineEnabled() bool {
	return o.store != nil
}

// Save resolves one submission. Online, it delivers directly: 2xx resolves as
// OutcomeDelivered and 4xx as OutcomeRejected with an errs.CodeValidation
// error. Offline, or after any other delivery failure, the payload is queued
// and OutcomeQueued is returned. Queue failures return errs.CodePersistence;
// without a store they return errs.CodeStoreUnavailable.
func (o *Orchestrator) Save(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		telemetry.RecordSubmission(ctx, string(OutcomeRejected))
		return OutcomeRejected, errs.New("syncer", errs.CodeInvalid,
			errs.WithHTTP(400),
			errs.WithMessage("submission must be a JSON document"))
	}

	if o.monitor.IsOnline() {
		_, err := o.deliverer.Deliver(ctx, payload)
		switch {
		case err == nil:
			telemetry.RecordSubmission(ctx, string(OutcomeDelivered))
			return OutcomeDelivered, nil
		case errs.IsCode(err, errs.CodeValidation):
			telemetry.RecordSubmission(ctx, string(OutcomeRejected))
			return OutcomeRejected, err
		default:
			o.logger.Info("direct delivery failed; queueing submission", observability.F("err", err))
		}
	}
	return o.enqueue(ctx, payload)
}

func (o *Orchestrator) enqueue(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	if o.store == nil {
		telemetry.RecordSubmission(ctx, "unavailable")
		return "", errs.New("syncer", errs.CodeStoreUnavailable,
			errs.WithHTTP(503),
			errs.WithMessage("offline support disabled"),
			errs.WithRemediation("retry when connectivity returns"))
	}
	id, err := o.store.Append(ctx, payload)
	if err != nil {
		telemetry.RecordSubmission(ctx, "failed")
		o.logger.Error("queue append failed", observability.F("err", err))
		return "", err
	}
	telemetry.RecordSubmission(ctx, string(OutcomeQueued))
	o.logger.Info("submission queued", observability.F("record_id", id))

	if o.waker != nil && o.wakeTag != "" {
		if err := o.waker.Register(ctx, o.wakeTag); err != nil {
			o.logger.Error("background wake request failed", observability.F("tag", o.wakeTag), observability.F("err", err))
		}
	}
	return OutcomeQueued, nil
}

// Drain runs one pass on the calling goroutine.
func (o *Orchestrator) Drain(ctx context.Context) (Report, error) {
	if o.drainer == nil {
		return Report{}, errs.New("syncer", errs.CodeStoreUnavailable, errs.WithHTTP(503), errs.WithMessage("offline support disabled"))
	}
	return o.drainer.Drain(ctx)
}

// Pending re-reads the number of resident records.
func (o *Orchestrator) Pending(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	return o.store.Count(ctx)
}

// Schedule requests a drain from Run. Requests made while a pass is queued collapse.
func (o *Orchestrator) Schedule() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run is the reconnect hook: it drains on every offline to online transition,
// and once at start when online with records pending. It returns when ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.drainer == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	cancel := o.monitor.OnChange(func(online bool) {
		if online {
			o.Schedule()
		}
	})
	defer cancel()

	if o.monitor.IsOnline() {
		if n, err := o.store.Count(ctx); err != nil {
			o.logger.Error("count pending at start", observability.F("err", err))
		} else if n > 0 {
			o.Schedule()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.kick:
			if !o.monitor.IsOnline() {
				continue
			}
			if _, err := o.drainer.Drain(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("drain pass failed", observability.F("err", err))
			}
		}
	}
}
