package dbrouter

import (
	"fmt"
	"sync/atomic"
)

// Role is the role of an endpoint, or the kind of access a command needs.
type Role int

const (
	// Primary is the read-write endpoint. Commands classified as writes need it.
	Primary Role = iota
	// Secondary is a read-only replica. Commands classified as reads may use it.
	Secondary
)

// Write and Read name the command side of a Role.
const (
	Write = Primary
	Read  = Secondary
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Health is the last known reachability of an endpoint.
type Health int32

const (
	Online Health = iota
	Offline
)

func (h Health) String() string {
	if h == Online {
		return "online"
	}
	return "offline"
}

// healthOf maps a probe error to a Health. No error means online.
func healthOf(err error) Health {
	if err == nil {
		return Online
	}
	return Offline
}

// Endpoint is a single database target. Its DSN never changes; its health is
// written only by the polling loop of the owning Topology.
type Endpoint struct {
	dsn    string
	role   Role
	order  int
	health atomic.Int32
}

func newEndpoint(dsn string, role Role, order int) *Endpoint {
	return &Endpoint{dsn: dsn, role: role, order: order}
}

// DSN returns the connection string of the endpoint.
func (e *Endpoint) DSN() string { return e.dsn }

// Role returns whether the endpoint is the primary or a secondary.
func (e *Endpoint) Role() Role { return e.role }

// Order returns the priority position of a secondary. Lower is preferred.
func (e *Endpoint) Order() int { return e.order }

// Health returns the last recorded health. It is safe to call from any goroutine.
func (e *Endpoint) Health() Health { return Health(e.health.Load()) }

// Online reports whether the endpoint is currently considered reachable.
func (e *Endpoint) Online() bool { return e.Health() == Online }

// setHealth records a probe outcome and returns the previous value.
func (e *Endpoint) setHealth(h Health) Health {
	return Health(e.health.Swap(int32(h)))
}

// Name is a log and metric friendly label that never contains credentials.
func (e *Endpoint) Name() string {
	if e.role == Primary {
		return "primary"
	}
	return fmt.Sprintf("secondary-%d", e.order)
}

// Decision is the outcome of routing one command.
type Decision struct {
	DSN  string
	Role Role
}
