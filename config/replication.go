package config

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDriver is the database/sql driver used when a replication set names none.
// It is registered by the pgx stdlib package that gorm's postgres driver imports.
const DefaultDriver = "pgx"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// PoolConf holds the database/sql pool limits applied to every endpoint.
type PoolConf struct {
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// ReplicationConf is one primary, its ordered secondaries and the routing policy.
type ReplicationConf struct {
	Driver      string      `yaml:"driver"`
	Primary     *NodeConf   `yaml:"primary"`
	Secondaries []*NodeConf `yaml:"secondaries"`

	FailoverToSecondaryOnPrimaryDown      bool `yaml:"failoverToSecondaryOnPrimaryDown"`
	FailoverToPrimaryOnAllSecondariesDown bool `yaml:"failoverToPrimaryOnAllSecondariesDown"`
	RandomizeSecondarySelection           bool `yaml:"randomizeSecondarySelection"`

	// HealthPollIntervalSeconds <= 0 disables background probing.
	HealthPollIntervalSeconds int           `yaml:"healthPollIntervalSeconds"`
	ProbeTimeout              time.Duration `yaml:"probeTimeout"`

	Pool PoolConf `yaml:"pool"`
}

func NewReplicationConf() *ReplicationConf {
	return new(ReplicationConf)
}

func (r *ReplicationConf) SetPrimaryNodeConf(primary *NodeConf) {
	r.Primary = primary
}

func (r *ReplicationConf) AppendSecondaryNodeConf(secondary *NodeConf) {
	r.Secondaries = append(r.Secondaries, secondary)
}

// DriverName returns the configured driver or DefaultDriver.
func (r *ReplicationConf) DriverName() string {
	if r.Driver == "" {
		return DefaultDriver
	}
	return r.Driver
}

// HealthPollInterval converts HealthPollIntervalSeconds to a duration.
func (r *ReplicationConf) HealthPollInterval() time.Duration {
	if r.HealthPollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(r.HealthPollIntervalSeconds) * time.Second
}

// Validate checks the structural rules: a primary and at least one secondary,
// all with a connection string. Duplicate detection needs the driver's
// connection string parser and happens when the topology is built.
func (r *ReplicationConf) Validate() error {
	if r.Primary.ConnectionString() == "" {
		return fmt.Errorf("%w: missing primary", ErrInvalid)
	}
	if len(r.Secondaries) == 0 {
		return fmt.Errorf("%w: at least one secondary is required", ErrInvalid)
	}
	for i, s := range r.Secondaries {
		if s.ConnectionString() == "" {
			return fmt.Errorf("%w: secondary %d has no connection string", ErrInvalid, i)
		}
	}
	if r.ProbeTimeout < 0 {
		return fmt.Errorf("%w: negative probe timeout %s", ErrInvalid, r.ProbeTimeout)
	}
	if r.Pool.MaxOpenConns < 0 || r.Pool.MaxIdleConns < 0 {
		return fmt.Errorf("%w: negative pool limits", ErrInvalid)
	}
	return nil
}
