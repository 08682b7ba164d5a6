package background

import (
	"context"
	"strconv"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/syncer"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/infra/delivery"
	"github.com/coachpo/fieldcare/internal/observability"
)

// TriggerConfig wires a Trigger. It shares nothing with the page context except
// the durable store.
type TriggerConfig struct {
	Store     queuestore.Store
	Deliverer delivery.Deliverer
	Bus       eventbus.Bus
	Source    events.Source
	Logger    observability.Logger
}

// Trigger performs the drain pass when the platform wakes it.
type Trigger struct {
	drainer *syncer.Drainer
	logger  observability.Logger
}

// NewTrigger builds the trigger's own Drainer.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	source := cfg.Source
	if source == "" {
		source = events.SourceBackground
	}
	drainer, err := syncer.NewDrainer(syncer.DrainerConfig{
		Store:     cfg.Store,
		Deliverer: cfg.Deliverer,
		Bus:       cfg.Bus,
		Source:    source,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Trigger{drainer: drainer, logger: observability.Or(cfg.Logger)}, nil
}

// HandleWake drains the queue. It returns an error while records remain after
// the pass, which keeps the wake registration alive.
func (t *Trigger) HandleWake(ctx context.Context, tag string) error {
	report, err := t.drainer.Drain(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("background wake handled",
		observability.F("tag", tag),
		observability.F("attempted", report.Attempted),
		observability.F("succeeded", report.Succeeded),
		observability.F("failed", report.Failed))
	if report.Failed > 0 {
		return errs.New("background", errs.CodeTransient,
			errs.WithMessage(strconv.Itoa(report.Failed)+" submissions still pending"),
			errs.WithField("tag", tag))
	}
	return nil
}

// Drain runs one pass directly, outside a wake.
func (t *Trigger) Drain(ctx context.Context) (syncer.Report, error) {
	return t.drainer.Drain(ctx)
}
