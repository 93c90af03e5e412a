package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gw2am"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launcher",
			Name:      "launches_total",
			Help:      "Launch requests by outcome (ok, already_running, refused, error, spawn_error, timeout, cancelled, superseded).",
		}, []string{"result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launcher",
			Name:      "stops_total",
			Help:      "Stop requests by outcome (verified, fallback, nothing, failed, superseded).",
		}, []string{"result"},
	)
	detectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "launcher",
			Name:      "detect_duration_seconds",
			Help:      "Time from spawn until the account's process was bound.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 25, 30},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Number of launch state transitions between phases.",
		}, []string{"from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "current_phase",
			Help:      "Current launch phase per account (1 = active phase).",
		}, []string{"account", "phase"},
	)
	snapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Duration of OS process table queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"},
	)
	snapshotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Failed process table queries.",
		}, []string{"provider"},
	)
	snapshotCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "cache_hits_total",
			Help:      "Snapshots served from the TTL cache.",
		},
	)
	automationDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "dispatch_total",
			Help:      "Credential automation dispatches by result.",
		}, []string{"result"},
	)
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job runs by job and result (ok, error, skipped).",
		}, []string{"job", "result"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		launches, stops, detectDuration, stateTransitions, currentPhase,
		snapshotDuration, snapshotFailures, snapshotCacheHits, automationDispatch,
		jobRuns, jobDuration,
	}
	for _, c := range cs {
		if err := register(r, c); err != nil {
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeds.

func IncLaunch(result string) {
	if regOK.Load() {
		launches.WithLabelValues(result).Inc()
	}
}

func IncStop(result string) {
	if regOK.Load() {
		stops.WithLabelValues(result).Inc()
	}
}

func ObserveDetect(seconds float64) {
	if regOK.Load() {
		detectDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentPhase flips the account's phase gauge from prev to next.
func SetCurrentPhase(account, prev, next string) {
	if !regOK.Load() {
		return
	}
	if prev != "" && prev != next {
		currentPhase.WithLabelValues(account, prev).Set(0)
	}
	currentPhase.WithLabelValues(account, next).Set(1)
}

// ForgetAccount drops every per-account series.
func ForgetAccount(account string) {
	if regOK.Load() {
		currentPhase.DeletePartialMatch(prometheus.Labels{"account": account})
	}
}

func ObserveSnapshot(provider string, seconds float64) {
	if regOK.Load() {
		snapshotDuration.WithLabelValues(provider).Observe(seconds)
	}
}

func IncSnapshotFailure(provider string) {
	if regOK.Load() {
		snapshotFailures.WithLabelValues(provider).Inc()
	}
}

func IncSnapshotCacheHit() {
	if regOK.Load() {
		snapshotCacheHits.Inc()
	}
}

func IncAutomationDispatch(result string) {
	if regOK.Load() {
		automationDispatch.WithLabelValues(result).Inc()
	}
}

func IncJobRun(job, result string) {
	if regOK.Load() {
		jobRuns.WithLabelValues(job, result).Inc()
	}
}

func ObserveJobDuration(job string, seconds float64) {
	if regOK.Load() {
		jobDuration.WithLabelValues(job).Observe(seconds)
	}
}
