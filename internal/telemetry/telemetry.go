// Package telemetry wires structured logging and metrics for the engine.
// It follows the same package-per-concern shape as the rest of the repo:
// a package-level configurable logger and a small set of prometheus
// collectors registered once per Database.
package telemetry

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Log is the package-level logger. Subsystems derive a child logger via
// Log.With().Str("component", "txn").Logger() so every line carries its
// origin without callers having to pass loggers around.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// SetLevel adjusts the global log level (debug during tests, info in prod).
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Component returns a child logger tagged with the given subsystem name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Metrics holds the prometheus collectors the commit pipeline and GC
// update as they run. Registered lazily so multiple Database instances
// in the same process (as in tests) do not collide on registration.
type Metrics struct {
	CommitsTotal       prometheus.Counter
	CommitConflicts    prometheus.Counter
	ActiveTransactions prometheus.Gauge
	OldestReadVersion  prometheus.Gauge
	ReadVersion        prometheus.Gauge
	GCDrainDepth       prometheus.Gauge
	MergedPerCommit    prometheus.Histogram

	registry *prometheus.Registry
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics builds a fresh, independently-registered metrics set. Used by
// tests that want isolation; production code typically uses Default().
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total", Help: "Total committed transactions.",
		}),
		CommitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_conflicts_total", Help: "Total transactions that failed with Conflict.",
		}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_transactions", Help: "Currently active transactions.",
		}),
		OldestReadVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "oldest_read_version", Help: "Oldest readVersion held by any active transaction.",
		}),
		ReadVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "read_version", Help: "Current globally visible commit version.",
		}),
		GCDrainDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gc_uncollected_depth", Help: "Pending uncollected committed transactions.",
		}),
		MergedPerCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "merged_transactions_per_commit",
			Help: "Number of small transactions merged into one physical commit.",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(m.CommitsTotal, m.CommitConflicts, m.ActiveTransactions,
		m.OldestReadVersion, m.ReadVersion, m.GCDrainDepth, m.MergedPerCommit)
	return m
}

// Registry exposes the underlying registry (for an embedding host to serve
// at /metrics; VeloxDB itself does not host HTTP — that is out of scope).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Default returns a process-wide metrics set, created on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics("veloxdb")
	})
	return metrics
}
