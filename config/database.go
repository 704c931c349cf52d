package config

import (
	"fmt"
	"sort"
)

// DatabaseConf maps a logical database name to its replication set.
type DatabaseConf map[string]*ReplicationConf

func NewDatabaseConf() DatabaseConf {
	return make(DatabaseConf)
}

func (dbc DatabaseConf) AppendReplicationConf(name string, repConf *ReplicationConf) {
	dbc[name] = repConf
}

// Names returns the database names in sorted order.
func (dbc DatabaseConf) Names() []string {
	names := make([]string, 0, len(dbc))
	for name := range dbc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate validates every replication set.
func (dbc DatabaseConf) Validate() error {
	for _, name := range dbc.Names() {
		rc := dbc[name]
		if rc == nil {
			return fmt.Errorf("%w: database %q is empty", ErrInvalid, name)
		}
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("database %q: %w", name, err)
		}
	}
	return nil
}
