package dbrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/randree/dbrouter/config"
)

// Rebuild describes one topology replaced by a reload.
type Rebuild struct {
	Name string
	Old  *Topology
	New  *Topology
}

// Registry holds one Topology per logical database, built on first use from
// the current configuration snapshot and rebuilt when a new snapshot arrives.
type Registry struct {
	opts *options

	mu          sync.RWMutex
	snapshot    config.DatabaseConf
	topologies  map[string]*Topology
	subscribers []func(Rebuild)
	plugins     []*Plugin
	closed      bool
}

// NewRegistry returns a registry serving snapshot. The snapshot must pass
// structural validation.
func NewRegistry(snapshot config.DatabaseConf, opts ...Option) (*Registry, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationInvalid, err)
	}
	return &Registry{
		opts:       newOptions(opts),
		snapshot:   snapshot,
		topologies: make(map[string]*Topology),
	}, nil
}

func (r *Registry) matcher(driver string) *Matcher {
	return r.opts.matchers.For(driver)
}

// Topology returns the topology of name, building it on first use.
func (r *Registry) Topology(name string) (*Topology, error) {
	r.mu.RLock()
	t, ok := r.topologies[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("DBROUTER | registry closed")
	}
	if t, ok := r.topologies[name]; ok {
		return t, nil
	}
	conf, ok := r.snapshot[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, name)
	}
	t, err := buildTopology(name, conf, r.opts)
	if err != nil {
		return nil, err
	}
	r.topologies[name] = t

	r.opts.logger.WithFields(log.Fields{
		"database":    name,
		"generation":  t.Generation(),
		"secondaries": len(t.secondaries),
	}).Info("DBROUTER | topology built")
	return t, nil
}

// Topologies returns the topologies built so far.
func (r *Registry) Topologies() []*Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Topology, 0, len(r.topologies))
	for _, name := range r.builtNames() {
		out = append(out, r.topologies[name])
	}
	return out
}

func (r *Registry) builtNames() []string {
	conf := make(config.DatabaseConf, len(r.topologies))
	for name := range r.topologies {
		conf[name] = nil
	}
	return conf.Names()
}

// Subscribe registers fn to be called after every rebuilt topology.
func (r *Registry) Subscribe(fn func(Rebuild)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Reload replaces every built topology with one built from snapshot. The swap
// is all or nothing: if any topology fails to build, the error wraps
// ErrConfigurationInvalid and the previous topologies keep serving.
func (r *Registry) Reload(snapshot config.DatabaseConf) error {
	err := r.reload(snapshot)
	r.opts.metrics.observeReload(err)
	if err != nil {
		r.opts.logger.WithError(err).Error("DBROUTER | topology reload rejected, previous topologies stay active")
	}
	return err
}

func (r *Registry) reload(snapshot config.DatabaseConf) error {
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigurationInvalid, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("DBROUTER | registry closed")
	}

	replacements := make(map[string]*Topology, len(r.topologies))
	discard := func() {
		for _, t := range replacements {
			t.Close()
		}
	}
	for name := range r.topologies {
		conf, ok := snapshot[name]
		if !ok {
			discard()
			r.mu.Unlock()
			return fmt.Errorf("%w: %s: %w", ErrConfigurationInvalid, name, ErrUnknownDatabase)
		}
		t, err := buildTopology(name, conf, r.opts)
		if err != nil {
			discard()
			r.mu.Unlock()
			if !errors.Is(err, ErrConfigurationInvalid) {
				err = fmt.Errorf("%w: %w", ErrConfigurationInvalid, err)
			}
			return err
		}
		replacements[name] = t
	}

	previous := r.topologies
	r.topologies = replacements
	r.snapshot = snapshot
	subscribers := append([]func(Rebuild){}, r.subscribers...)
	r.mu.Unlock()

	for name, old := range previous {
		fresh := replacements[name]
		wasPolling := old.polling()
		old.Close()

		r.opts.metrics.forget(name)
		for _, ep := range fresh.Endpoints() {
			r.opts.metrics.setHealth(name, ep)
		}
		if wasPolling {
			fresh.EnsurePolling()
		}

		r.opts.logger.WithFields(log.Fields{
			"database":   name,
			"previous":   old.Generation(),
			"generation": fresh.Generation(),
		}).Info("DBROUTER | topology rebuilt")

		for _, fn := range subscribers {
			fn(Rebuild{Name: name, Old: old, New: fresh})
		}
	}
	return nil
}

// Watch reloads every snapshot received on updates until ctx is done or
// updates is closed. Rejected snapshots are logged and skipped.
func (r *Registry) Watch(ctx context.Context, updates <-chan config.DatabaseConf) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot, ok := <-updates:
			if !ok {
				return nil
			}
			_ = r.Reload(snapshot)
		}
	}
}

// Close closes every topology and the connection pools of registered plugins.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topologies := r.topologies
	plugins := r.plugins
	r.topologies = map[string]*Topology{}
	r.mu.Unlock()

	for _, t := range topologies {
		t.Close()
	}
	var errs []error
	for _, p := range plugins {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
