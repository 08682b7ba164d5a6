// Package syncer implements submission capture and queue replay.
package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/infra/delivery"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Report summarises one drain pass.
type Report struct {
	PassID    string
	Source    events.Source
	Attempted int
	Succeeded int
	Failed    int
	FailedIDs []int64
	Duration  time.Duration
}

// Drainer replays the durable queue against the write endpoint. It is the single
// replay implementation used by the page, the background context and the CLI.
// Passes on one Drainer are serialised; passes on different Drainers sharing a
// store may overlap, which Remove's idempotency makes safe.
type Drainer struct {
	store     queuestore.Store
	deliverer delivery.Deliverer
	bus       eventbus.Bus
	source    events.Source
	logger    observability.Logger

	mu sync.Mutex
}

// DrainerConfig wires a Drainer.
type DrainerConfig struct {
	Store     queuestore.Store
	Deliverer delivery.Deliverer
	Bus       eventbus.Bus
	Source    events.Source
	Logger    observability.Logger
}

// NewDrainer validates cfg.
func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Store == nil {
		return nil, errs.New("syncer", errs.CodeStoreUnavailable, errs.WithMessage("drain requires a queue store"))
	}
	if cfg.Deliverer == nil {
		return nil, errs.New("syncer", errs.CodeInvalid, errs.WithMessage("drain requires a deliverer"))
	}
	source := cfg.Source
	if source == "" {
		source = events.SourcePage
	}
	return &Drainer{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		bus:       cfg.Bus,
		source:    source,
		logger:    observability.Or(cfg.Logger),
	}, nil
}

// Drain performs one pass: every resident record is delivered in listing order;
// delivered records are removed and failed records stay for the next pass. A
// per-record failure never stops the pass. Only a listing failure or context
// cancellation returns an error.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	report := Report{PassID: uuid.NewString(), Source: d.source}

	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}
	d.publish(ctx, events.EventTypeSyncProgress, events.SyncProgressPayload{
		PassID:  report.PassID,
		Stage:   events.ProgressStarted,
		Pending: len(pending),
	})
	if len(pending) > 0 {
		d.logger.Info("drain pass started",
			observability.F("pass_id", report.PassID),
			observability.F("source", string(d.source)),
			observability.F("pending", len(pending)))
	}

	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			d.finish(ctx, report)
			return report, fmt.Errorf("drain interrupted: %w", err)
		}
		report.Attempted++
		delivered := d.replay(ctx, record)
		if delivered {
			report.Succeeded++
		} else {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, record.ID)
		}
		d.publish(ctx, events.EventTypeSyncProgress, events.SyncProgressPayload{
			PassID:    report.PassID,
			Stage:     events.ProgressRecord,
			Pending:   len(pending),
			RecordID:  record.ID,
			Delivered: delivered,
			Attempted: report.Attempted,
			Succeeded: report.Succeeded,
			Failed:    report.Failed,
		})
	}

	report.Duration = time.Since(start)
	d.finish(ctx, report)
	return report, nil
}

func (d *Drainer) replay(ctx context.Context, record queuestore.PendingSubmission) bool {
	id := strconv.FormatInt(record.ID, 10)
	if _, err := d.deliverer.Deliver(ctx, record.Payload); err != nil {
		telemetry.RecordSyncRecord(ctx, string(d.source), "failed")
		fields := []observability.Field{
			observability.F("record_id", id),
			observability.F("source", string(d.source)),
			observability.F("err", err),
		}
		if errs.IsCode(err, errs.CodeValidation) {
			// Queued before the endpoint could judge it; kept so nothing is silently dropped.
			d.logger.Error("queued submission rejected by write endpoint; left in queue", fields...)
		} else {
			d.logger.Error("queued submission delivery failed; will retry on next pass", fields...)
		}
		return false
	}
	if err := d.store.Remove(ctx, record.ID); err != nil {
		telemetry.RecordSyncRecord(ctx, string(d.source), "remove_failed")
		// The server already holds this submission; the next pass will send it again.
		d.logger.Error("delivered submission could not be removed; next pass will resend a duplicate",
			observability.F("record_id", id),
			observability.F("source", string(d.source)),
			observability.F("err", err))
		return false
	}
	telemetry.RecordSyncRecord(ctx, string(d.source), "success")
	return true
}

func (d *Drainer) finish(ctx context.Context, report Report) {
	telemetry.RecordDrainDuration(ctx, string(d.source), report.Duration)
	d.publish(ctx, events.EventTypeSyncComplete, events.SyncCompletePayload{
		PassID:    report.PassID,
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Duration:  report.Duration,
	})
	if report.Attempted > 0 {
		d.logger.Info("drain pass complete",
			observability.F("pass_id", report.PassID),
			observability.F("source", string(d.source)),
			observability.F("attempted", report.Attempted),
			observability.F("succeeded", report.Succeeded),
			observability.F("failed", report.Failed))
	}
}

func (d *Drainer) publish(ctx context.Context, typ events.EventType, payload any) {
	if d.bus == nil {
		return
	}
	evt := &events.Event{Type: typ, Source: d.source, Payload: payload}
	if err := d.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		d.logger.Debug("publish sync event", observability.F("type", string(typ)), observability.F("err", err))
	}
}
