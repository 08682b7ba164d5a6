package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by fieldcare instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType annotates bus instruments with the event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrSource names the execution context (page, background, command).
	AttrSource = attribute.Key("source")
	// AttrOperation differentiates operations within a component.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrPolicy labels router lookups with the serving policy.
	AttrPolicy = attribute.Key("cache.policy")
	// AttrStoreDriver names the queue storage engine.
	AttrStoreDriver = attribute.Key("store.driver")
	// AttrConnectivity labels transitions with the new state.
	AttrConnectivity = attribute.Key("connectivity.state")
	// AttrStatusClass buckets upstream HTTP statuses (2xx, 4xx, 5xx, network).
	AttrStatusClass = attribute.Key("http.status_class")
)

// Metric names.
const (
	MetricQueueAppends        = "fieldcare.queue.appends"
	MetricSyncRecords         = "fieldcare.sync.records"
	MetricDrainDuration       = "fieldcare.sync.drain.duration"
	MetricDeliveryDuration    = "fieldcare.delivery.duration"
	MetricCacheLookups        = "fieldcare.cache.lookups"
	MetricConnectivityChanges = "fieldcare.connectivity.transitions"
	MetricMigrations          = "fieldcare.db.migrations"
	MetricWakeDispatches      = "fieldcare.background.wakes"
	MetricSubmissions         = "fieldcare.submissions"
)

// ResultAttributes returns the common environment/operation/result set.
func ResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// SourceAttributes labels drain instruments with the execution context.
func SourceAttributes(source, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSource.String(source),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// CacheAttributes labels router lookups.
func CacheAttributes(policy, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrPolicy.String(policy),
		AttrResult.String(result),
	}
}

// StatusClass buckets an HTTP status code; zero means the request never got a response.
func StatusClass(status int) string {
	switch {
	case status <= 0:
		return "network"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
