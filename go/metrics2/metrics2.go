// Package metrics2 provides a thin facade over Prometheus metrics.
//
// Metrics are identified by a measurement name and a set of tags. The same
// (name, tags) pair always returns the same underlying metric. Measurement
// and tag names are sanitized to Prometheus's character set.
package metrics2

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// Int64Metric is a metric which reports an int64 gauge.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)

	// Delete removes the metric from its Client's registry.
	Delete() error
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// values, e.g. latencies.
type Float64SummaryMetric interface {
	// Observe adds a data point to the summary.
	Observe(v float64)
}

// Counter is a metric which reports a cumulative int64 value.
type Counter interface {
	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Get returns the current value in the counter.
	Get() int64

	// Reset sets the counter to zero.
	Reset()

	// Delete removes the counter from its Client's registry.
	Delete() error
}

// Liveness keeps a time-since-last-successful-update metric, in seconds. It
// is used to keep track of periodic processes; every liveness should have a
// corresponding alert on the value getting too large.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// ManualReset sets the last-successful-update time of the Liveness to a
	// specific value. Useful for tests.
	ManualReset(lastSuccessfulUpdate time.Time)

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Timer measures elapsed wall time and reports it to a summary metric when
// Stop is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() time.Duration
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and tag
	// set. The tag maps are merged left to right.
	GetCounter(name string, tagsList ...map[string]string) Counter

	// GetInt64Metric creates or retrieves an Int64Metric.
	GetInt64Metric(name string, tagsList ...map[string]string) Int64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric.
	GetFloat64SummaryMetric(name string, tagsList ...map[string]string) Float64SummaryMetric

	// NewLiveness creates a new Liveness metric.
	NewLiveness(name string, tagsList ...map[string]string) Liveness

	// NewTimer creates and starts a new Timer.
	NewTimer(name string, tagsList ...map[string]string) Timer

	// Flush pushes any queued data immediately. Idempotent.
	Flush() error
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter using the default client.
func GetCounter(name string, tagsList ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tagsList...)
}

// GetInt64Metric creates or retrieves an Int64Metric using the default client.
func GetInt64Metric(name string, tagsList ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(name, tagsList...)
}

// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric using
// the default client.
func GetFloat64SummaryMetric(name string, tagsList ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(name, tagsList...)
}

// NewLiveness creates a new Liveness using the default client.
func NewLiveness(name string, tagsList ...map[string]string) Liveness {
	return defaultClient.NewLiveness(name, tagsList...)
}

// NewTimer creates and starts a new Timer using the default client.
func NewTimer(name string, tagsList ...map[string]string) Timer {
	return defaultClient.NewTimer(name, tagsList...)
}

// InitPrometheus initializes metrics to be reported to Prometheus.
//
// port - string, the port on which to serve the metrics, e.g. ":10110".
func InitPrometheus(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Fatal(http.ListenAndServe(port, mux))
	}()
}
