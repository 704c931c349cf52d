package dbrouter

import (
	"fmt"
	"strings"

	"github.com/randree/dbrouter/logger"
)

// EndpointStatus is the reportable state of one endpoint. The DSN has its
// password redacted.
type EndpointStatus struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	DSN    string `json:"dsn"`
	Online bool   `json:"online"`
}

// TopologyStatus is the reportable state of one built topology.
type TopologyStatus struct {
	Database   string           `json:"database"`
	Generation string           `json:"generation"`
	Driver     string           `json:"driver"`
	Polling    bool             `json:"polling"`
	Endpoints  []EndpointStatus `json:"endpoints"`
}

// Snapshot returns the state of every built topology, ordered by name.
func (r *Registry) Snapshot() []TopologyStatus {
	topologies := r.Topologies()
	out := make([]TopologyStatus, 0, len(topologies))
	for _, t := range topologies {
		ts := TopologyStatus{
			Database:   t.Name(),
			Generation: t.Generation(),
			Driver:     t.Driver(),
			Polling:    t.polling(),
		}
		for _, ep := range t.Endpoints() {
			ts.Endpoints = append(ts.Endpoints, EndpointStatus{
				Name:   ep.Name(),
				Role:   ep.Role().String(),
				DSN:    logger.RedactDSN(ep.DSN()),
				Online: ep.Online(),
			})
		}
		out = append(out, ts)
	}
	return out
}

// Status renders Snapshot as log friendly text, one line per endpoint.
func (r *Registry) Status() string {
	var b strings.Builder
	for _, ts := range r.Snapshot() {
		for _, ep := range ts.Endpoints {
			side := "READ"
			if ep.Role == Primary.String() {
				side = "WRITE"
			}
			fmt.Fprintf(&b, "DBROUTER | STATUS %s \t %s \t %s \t %s : \t online %t\n",
				ts.Database, side, ep.Name, ep.DSN, ep.Online)
		}
	}
	return b.String()
}
