package symcache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess         = "success"
	statusCorrupt         = "error:corrupt"
	statusVersionMismatch = "error:version_mismatch"
	statusTruncated       = "error:truncated"
	statusOverlap         = "error:overlapping_ranges"
	statusInlineDepth     = "error:inline_depth"
	statusOther           = "error:other"
)

// Metrics instruments builds and opens. Lookups are not instrumented.
type Metrics struct {
	buildsTotal    *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	buildSizeBytes prometheus.Histogram
	buildFunctions prometheus.Histogram
	opensTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, which may
// be nil. Collectors already registered with reg are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symcache_builds_total",
			Help: "Total number of symbol cache builds by status",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symcache_build_duration_seconds",
			Help:    "Time spent assembling and serializing symbol caches",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
		buildSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symcache_build_size_bytes",
			Help: "Size of the symbol caches built",
			// 4KB to 4GB
			Buckets: prometheus.ExponentialBuckets(4096, 4, 11),
		}),
		buildFunctions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symcache_build_functions",
			Help:    "Number of function records per symbol cache",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		}),
		opensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symcache_opens_total",
			Help: "Total number of symbol caches opened by status",
		}, []string{"status"}),
	}
	m.buildsTotal = registerOrGet(reg, m.buildsTotal)
	m.buildDuration = registerOrGet(reg, m.buildDuration)
	m.buildSizeBytes = registerOrGet(reg, m.buildSizeBytes)
	m.buildFunctions = registerOrGet(reg, m.buildFunctions)
	m.opensTotal = registerOrGet(reg, m.opensTotal)
	return m
}

func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

func statusFromError(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, ErrCorruptData):
		return statusCorrupt
	case errors.Is(err, ErrVersionMismatch):
		return statusVersionMismatch
	case errors.Is(err, ErrTruncated):
		return statusTruncated
	case errors.Is(err, ErrOverlappingRanges):
		return statusOverlap
	case errors.Is(err, ErrInlineDepthExceeded):
		return statusInlineDepth
	}
	return statusOther
}

func (m *Metrics) observeBuild(seconds float64, size, functions int, err error) {
	if m == nil {
		return
	}
	m.buildsTotal.WithLabelValues(statusFromError(err)).Inc()
	if err != nil {
		return
	}
	m.buildDuration.Observe(seconds)
	m.buildSizeBytes.Observe(float64(size))
	m.buildFunctions.Observe(float64(functions))
}

func (m *Metrics) observeOpen(err error) {
	if m == nil {
		return
	}
	m.opensTotal.WithLabelValues(statusFromError(err)).Inc()
}
