// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reentry"

// Metrics holds the engine counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	reentries      *prometheus.CounterVec
	activities     *prometheus.CounterVec
	raises         *prometheus.CounterVec
	fallbackWrites prometheus.Counter
}

// New creates the counters and registers them, together with the standard Go
// and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}

	m := &Metrics{
		registry: reg,
		reentries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reentries_total",
			Help:      "Workflow reentries by outcome.",
		}, []string{"outcome"}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_executions_total",
			Help:      "Activity executions by outcome.",
		}, []string{"outcome"}),
		raises: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semaphore_raises_total",
			Help:      "Semaphore raise attempts by result.",
		}, []string{"result"}),
		fallbackWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_writes_total",
			Help:      "Workflow summaries written to fallback blob storage.",
		}),
	}
	for _, c := range []prometheus.Collector{m.reentries, m.activities, m.raises, m.fallbackWrites} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering counter: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Reentry counts one finished reentry.
func (m *Metrics) Reentry(outcome string) {
	if m == nil {
		return
	}
	m.reentries.WithLabelValues(outcome).Inc()
}

// Activity counts one activity execution.
func (m *Metrics) Activity(outcome string) {
	if m == nil {
		return
	}
	m.activities.WithLabelValues(outcome).Inc()
}

// Raise counts one semaphore raise attempt.
func (m *Metrics) Raise(result string) {
	if m == nil {
		return
	}
	m.raises.WithLabelValues(result).Inc()
}

// FallbackWrite counts one fallback blob write.
func (m *Metrics) FallbackWrite() {
	if m == nil {
		return
	}
	m.fallbackWrites.Inc()
}
