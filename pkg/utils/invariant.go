// Invariants are conditions in code that must be true; otherwise, there is a bug in code.
// Think of what you'd `panic()` on, but you don't want to crash the server just because of that violation. If an
// invariant is violated, a log error is recorded, and a monitoring counter is incremented that will trigger an alert.
// It is still up to the caller to handle the erroneous case, e.g. fall back to a sane value or return early.
//
// Do not use invariants for conditions that depend on external factors; a resource failing to close is an error,
// not an invariant violation. The value store and metadata table of a cache drifting apart is one.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `module`. It panics in test builds.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + module + "/" + invariantType)
	}
}

// GetMetricValue returns how many times the invariant `invariantType` of `module` has been raised.
func GetMetricValue(module, invariantType string) int {
	metric := &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "module", module, "type", invariantType, "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
