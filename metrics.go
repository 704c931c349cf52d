package dbrouter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports endpoint health and routing counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	endpointOnline *prometheus.GaugeVec
	routeDecisions *prometheus.CounterVec
	probes         *prometheus.CounterVec
	reloads        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		endpointOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbrouter_endpoint_online",
				Help: "Endpoint health by database and endpoint (1=online, 0=offline)",
			},
			[]string{"database", "endpoint"},
		),
		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrouter_route_decisions_total",
				Help: "Routed commands by database, requested side and the role that served them",
			},
			[]string{"database", "requested", "served"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrouter_probes_total",
				Help: "Completed health probes by database, endpoint and outcome",
			},
			[]string{"database", "endpoint", "outcome"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrouter_reloads_total",
				Help: "Topology reloads by result",
			},
			[]string{"result"},
		),
	}

	collectors := map[string]prometheus.Collector{
		"dbrouter_endpoint_online":       m.endpointOnline,
		"dbrouter_route_decisions_total": m.routeDecisions,
		"dbrouter_probes_total":          m.probes,
		"dbrouter_reloads_total":         m.reloads,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return m, nil
}

func (m *Metrics) setHealth(database string, ep *Endpoint) {
	if m == nil {
		return
	}
	v := 0.0
	if ep.Online() {
		v = 1
	}
	m.endpointOnline.WithLabelValues(database, ep.Name()).Set(v)
}

func (m *Metrics) observeProbe(database string, ep *Endpoint, h Health) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(database, ep.Name(), h.String()).Inc()
}

func (m *Metrics) observeRoute(database string, requested Role, served Role) {
	if m == nil {
		return
	}
	m.routeDecisions.WithLabelValues(database, requested.String(), served.String()).Inc()
}

func (m *Metrics) observeReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// forget drops the series of a database whose topology was discarded.
func (m *Metrics) forget(database string) {
	if m == nil {
		return
	}
	m.endpointOnline.DeletePartialMatch(prometheus.Labels{"database": database})
}
