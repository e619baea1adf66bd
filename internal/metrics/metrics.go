package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	workersRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brood",
		Name:      "workers_running",
		Help:      "Number of worker processes currently running per pool.",
	}, []string{"pool"})

	workerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brood",
		Name:      "worker_exits_total",
		Help:      "Total number of workers that exited cleanly per pool.",
	}, []string{"pool"})

	workerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brood",
		Name:      "worker_failures_total",
		Help:      "Total number of worker failures surfaced per pool.",
	}, []string{"pool"})

	joinDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "brood",
		Name:      "join_duration_seconds",
		Help:      "Time from pool launch until completion or first failure.",
	}, []string{"pool"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brood",
		Name:      "build_info",
		Help:      "Build metadata for the running brood binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(workersRunning, workerExits, workerFailures, joinDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all brood metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetWorkersRunning records the number of live workers for the pool.
func SetWorkersRunning(pool string, n int) {
	if pool == "" {
		return
	}
	workersRunning.WithLabelValues(pool).Set(float64(n))
}

// AddWorkerExit increments the clean-exit counter for the pool.
func AddWorkerExit(pool string) {
	if pool == "" {
		return
	}
	workerExits.WithLabelValues(pool).Inc()
}

// AddWorkerFailure increments the failure counter for the pool.
func AddWorkerFailure(pool string) {
	if pool == "" {
		return
	}
	workerFailures.WithLabelValues(pool).Inc()
}

// ObserveJoinDuration records how long a pool took to complete or fail.
func ObserveJoinDuration(pool string, d time.Duration) {
	label := pool
	if label == "" {
		label = "unknown"
	}
	joinDuration.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetPool clears the per-pool series, primarily for tests.
func ResetPool(pool string) {
	if pool == "" {
		return
	}
	workersRunning.DeleteLabelValues(pool)
	workerExits.DeleteLabelValues(pool)
	workerFailures.DeleteLabelValues(pool)
	joinDuration.DeleteLabelValues(pool)
}
