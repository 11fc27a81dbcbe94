package telemetry

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the console.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. Hooks run inline with API calls and poll ticks.
type Collector interface {
	IncHotReload(file string)
	ObserveRequest(endpoint string, status int, elapsed time.Duration)
	IncPollTick(poller string, ok bool)
	IncActivity(level string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                       {}
func (noopCollector) ObserveRequest(string, int, time.Duration) {}
func (noopCollector) IncPollTick(string, bool)                  {}
func (noopCollector) IncActivity(string)                        {}

// PrometheusCollector exposes console metrics via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pollTicks       *prometheus.CounterVec
	activity        *prometheus.CounterVec
}

var (
	sharedMu        sync.Mutex
	sharedCollector *PrometheusCollector
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Registering twice reuses the already registered vectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCollector != nil {
		return sharedCollector, nil
	}

	hotReloads, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "beltconsole_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})
	if err != nil {
		return nil, err
	}
	requests, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "beltconsole_api_requests_total",
		Help: "Backend API requests by endpoint and HTTP status code (0 for transport failures).",
	}, []string{"endpoint", "code"})
	if err != nil {
		return nil, err
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beltconsole_api_request_duration_seconds",
		Help:    "Backend API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	if err := reg.Register(duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		duration = existing
	}
	pollTicks, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "beltconsole_poll_ticks_total",
		Help: "Status poller ticks by poller and outcome.",
	}, []string{"poller", "outcome"})
	if err != nil {
		return nil, err
	}
	activity, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "beltconsole_activity_entries_total",
		Help: "Operator activity log entries by level.",
	}, []string{"level"})
	if err != nil {
		return nil, err
	}

	sharedCollector = &PrometheusCollector{
		hotReloads:      hotReloads,
		requests:        requests,
		requestDuration: duration,
		pollTicks:       pollTicks,
		activity:        activity,
	}
	return sharedCollector, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveRequest records a finished backend request.
func (p *PrometheusCollector) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	if p == nil || p.requests == nil {
		return
	}
	p.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// IncPollTick records the outcome of a poller tick.
func (p *PrometheusCollector) IncPollTick(poller string, ok bool) {
	if p == nil || p.pollTicks == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	p.pollTicks.WithLabelValues(poller, outcome).Inc()
}

// IncActivity counts an activity log entry.
func (p *PrometheusCollector) IncActivity(level string) {
	if p == nil || p.activity == nil {
		return
	}
	p.activity.WithLabelValues(level).Inc()
}
