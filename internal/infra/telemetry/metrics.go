package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	queueAppends      metric.Int64Counter
	syncRecords       metric.Int64Counter
	drainDuration     metric.Float64Histogram
	deliveryDuration  metric.Float64Histogram
	cacheLookups      metric.Int64Counter
	connectivity      metric.Int64Counter
	migrations        metric.Int64Counter
	wakeDispatches    metric.Int64Counter
	submissionResults metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	inst            instruments
)

// load creates instruments against the global meter provider on first use, so
// NewProvider must run before the first recorded measurement to export it.
func load() *instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("fieldcare")
		inst.queueAppends, _ = meter.Int64Counter(MetricQueueAppends,
			metric.WithDescription("Submissions appended to the durable queue"),
			metric.WithUnit("{submission}"))
		inst.syncRecords, _ = meter.Int64Counter(MetricSyncRecords,
			metric.WithDescription("Pending records attempted during drain passes"),
			metric.WithUnit("{record}"))
		inst.drainDuration, _ = meter.Float64Histogram(MetricDrainDuration,
			metric.WithDescription("Wall time of a drain pass"),
			metric.WithUnit("ms"))
		inst.deliveryDuration, _ = meter.Float64Histogram(MetricDeliveryDuration,
			metric.WithDescription("Latency of write endpoint requests"),
			metric.WithUnit("ms"))
		inst.cacheLookups, _ = meter.Int64Counter(MetricCacheLookups,
			metric.WithDescription("Router requests resolved per policy and outcome"),
			metric.WithUnit("{request}"))
		inst.connectivity, _ = meter.Int64Counter(MetricConnectivityChanges,
			metric.WithDescription("Connectivity transitions observed per execution context"),
			metric.WithUnit("{transition}"))
		inst.migrations, _ = meter.Int64Counter(MetricMigrations,
			metric.WithDescription("Schema migration runs via golang-migrate"),
			metric.WithUnit("{migration}"))
		inst.wakeDispatches, _ = meter.Int64Counter(MetricWakeDispatches,
			metric.WithDescription("Background wakes dispatched per tag"),
			metric.WithUnit("{wake}"))
		inst.submissionResults, _ = meter.Int64Counter(MetricSubmissions,
			metric.WithDescription("Submission outcomes at the orchestrator boundary"),
			metric.WithUnit("{submission}"))
	})
	return &inst
}

// RecordQueueAppend counts one append attempt.
func RecordQueueAppend(ctx context.Context, driver, result string) {
	if c := load().queueAppends; c != nil {
		attrs := ResultAttributes("append", result)
		attrs = append(attrs, AttrStoreDriver.String(driver))
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSyncRecord counts one record attempted during a drain pass.
func RecordSyncRecord(ctx context.Context, source, result string) {
	if c := load().syncRecords; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(SourceAttributes(source, result)...))
	}
}

// RecordDrainDuration records the wall time of a drain pass.
func RecordDrainDuration(ctx context.Context, source string, d time.Duration) {
	if h := load().drainDuration; h != nil {
		h.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(SourceAttributes(source, "")...))
	}
}

// RecordDelivery records the latency and status class of one write endpoint request.
func RecordDelivery(ctx context.Context, status int, d time.Duration) {
	if h := load().deliveryDuration; h != nil {
		h.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrEnvironment.String(Environment()),
			AttrStatusClass.String(StatusClass(status))))
	}
}

// RecordCacheLookup counts one routed request.
func RecordCacheLookup(ctx context.Context, policy, result string) {
	if c := load().cacheLookups; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(CacheAttributes(policy, result)...))
	}
}

// RecordConnectivityTransition counts a connectivity change.
func RecordConnectivityTransition(ctx context.Context, source string, online bool) {
	if c := load().connectivity; c != nil {
		state := "offline"
		if online {
			state = "online"
		}
		c.Add(ctx, 1, metric.WithAttributes(
			AttrEnvironment.String(Environment()),
			AttrSource.String(source),
			AttrConnectivity.String(state)))
	}
}

// RecordMigration counts one migration run.
func RecordMigration(ctx context.Context, driver, result string) {
	if c := load().migrations; c != nil {
		attrs := ResultAttributes("migrate", result)
		attrs = append(attrs, AttrStoreDriver.String(driver))
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordWakeDispatch counts a background wake for tag.
func RecordWakeDispatch(ctx context.Context, tag, result string) {
	if c := load().wakeDispatches; c != nil {
		attrs := ResultAttributes("wake:"+tag, result)
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSubmission counts one submission outcome (delivered, queued, rejected, failed).
func RecordSubmission(ctx context.Context, outcome string) {
	if c := load().submissionResults; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(ResultAttributes("submit", outcome)...))
	}
}
