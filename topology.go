package dbrouter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/randree/dbrouter/config"
	"github.com/randree/dbrouter/logger"
)

// Policy holds the failover switches of a topology.
type Policy struct {
	FailoverToSecondaryOnPrimaryDown      bool
	FailoverToPrimaryOnAllSecondariesDown bool
	RandomizeSecondarySelection           bool
	HealthPollInterval                    time.Duration
}

// Topology is the routing state of one logical database: a primary, ordered
// secondaries, the failover policy and the health polling loop. A Topology is
// immutable apart from endpoint health; configuration changes build a new one.
type Topology struct {
	name        string
	generation  string
	driver      string
	pool        config.PoolConf
	primary     *Endpoint
	secondaries []*Endpoint
	policy      Policy

	prober  Prober
	clock   clock.Clock
	logger  log.FieldLogger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	startMu sync.Mutex
	started bool
	loop    sync.WaitGroup

	probeMu   sync.Mutex
	probes    map[uint64]context.CancelFunc
	nextProbe uint64
	closed    bool
}

// NewTopology builds a topology for the named database from its replication set.
func NewTopology(name string, conf *config.ReplicationConf, opts ...Option) (*Topology, error) {
	return buildTopology(name, conf, newOptions(opts))
}

func buildTopology(name string, conf *config.ReplicationConf, o *options) (*Topology, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigurationInvalid, name, ErrUnknownDatabase)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigurationInvalid, name, err)
	}

	driver := conf.DriverName()
	matcher := o.matchers.For(driver)

	seen := make(map[string]int, len(conf.Secondaries))
	secondaries := make([]*Endpoint, 0, len(conf.Secondaries))
	for i, node := range conf.Secondaries {
		dsn := node.ConnectionString()
		key := matcher.Key(dsn)
		if j, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s: secondaries %d and %d both target %s",
				ErrDuplicateSecondary, name, j, i, logger.RedactDSN(dsn))
		}
		seen[key] = i
		secondaries = append(secondaries, newEndpoint(dsn, Secondary, i))
	}

	generation := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Topology{
		name:        name,
		generation:  generation,
		driver:      driver,
		pool:        conf.Pool,
		primary:     newEndpoint(conf.Primary.ConnectionString(), Primary, 0),
		secondaries: secondaries,
		policy: Policy{
			FailoverToSecondaryOnPrimaryDown:      conf.FailoverToSecondaryOnPrimaryDown,
			FailoverToPrimaryOnAllSecondariesDown: conf.FailoverToPrimaryOnAllSecondariesDown,
			RandomizeSecondarySelection:           conf.RandomizeSecondarySelection,
			HealthPollInterval:                    conf.HealthPollInterval(),
		},
		prober:  o.newProber(driver, conf.ProbeTimeout),
		clock:   o.clock,
		logger:  o.logger.WithFields(log.Fields{"database": name, "generation": generation}),
		metrics: o.metrics,
		ctx:     ctx,
		cancel:  cancel,
		probes:  make(map[uint64]context.CancelFunc),
	}
	for _, ep := range t.Endpoints() {
		t.metrics.setHealth(name, ep)
	}
	return t, nil
}

// Name returns the logical database name the topology belongs to.
func (t *Topology) Name() string { return t.name }

// Generation identifies this build of the topology.
func (t *Topology) Generation() string { return t.generation }

// Driver returns the database/sql driver name of the endpoints.
func (t *Topology) Driver() string { return t.driver }

// Policy returns the failover policy.
func (t *Topology) Policy() Policy { return t.policy }

// Primary returns the primary endpoint.
func (t *Topology) Primary() *Endpoint { return t.primary }

// Secondaries returns the secondaries in priority order.
func (t *Topology) Secondaries() []*Endpoint {
	out := make([]*Endpoint, len(t.secondaries))
	copy(out, t.secondaries)
	return out
}

// Endpoints returns the primary followed by the secondaries.
func (t *Topology) Endpoints() []*Endpoint {
	return append([]*Endpoint{t.primary}, t.secondaries...)
}

// UsablePrimaryDSN returns the connection string writes should use.
func (t *Topology) UsablePrimaryDSN() (string, error) {
	d, err := t.PrimaryDecision()
	return d.DSN, err
}

// UsableSecondaryDSN returns the connection string reads should use.
func (t *Topology) UsableSecondaryDSN() (string, error) {
	d, err := t.SecondaryDecision()
	return d.DSN, err
}

// PrimaryDecision selects the endpoint for writes. An offline primary fails
// over to the first online secondary in order, if the policy allows it.
func (t *Topology) PrimaryDecision() (Decision, error) {
	if t.primary.Online() {
		return Decision{DSN: t.primary.dsn, Role: Primary}, nil
	}
	if !t.policy.FailoverToSecondaryOnPrimaryDown {
		return Decision{}, fmt.Errorf("%w: %s: primary is offline and failover to secondaries is disabled",
			ErrNoUsableEndpoint, t.name)
	}
	for _, s := range t.secondaries {
		if s.Online() {
			return Decision{DSN: s.dsn, Role: Secondary}, nil
		}
	}
	return Decision{}, fmt.Errorf("%w: %s: primary and all secondaries are offline", ErrNoUsableEndpoint, t.name)
}

// SecondaryDecision selects the endpoint for reads: the first online
// secondary, or a random online one when randomization is on. With every
// secondary offline it falls back to the primary if the policy allows it.
func (t *Topology) SecondaryDecision() (Decision, error) {
	online := make([]*Endpoint, 0, len(t.secondaries))
	for _, s := range t.secondaries {
		if s.Online() {
			online = append(online, s)
		}
	}

	if len(online) == 0 {
		if !t.policy.FailoverToPrimaryOnAllSecondariesDown {
			return Decision{}, fmt.Errorf("%w: %s: all secondaries are offline and failover to primary is disabled",
				ErrNoUsableEndpoint, t.name)
		}
		if !t.primary.Online() {
			return Decision{}, fmt.Errorf("%w: %s: all endpoints are offline", ErrNoUsableEndpoint, t.name)
		}
		return Decision{DSN: t.primary.dsn, Role: Primary}, nil
	}

	pick := online[0]
	if len(online) > 1 && t.policy.RandomizeSecondarySelection {
		pick = online[rand.Intn(len(online))]
	}
	return Decision{DSN: pick.dsn, Role: Secondary}, nil
}

// EnsurePolling starts the health polling loop once. It does nothing when
// polling is disabled or the topology is closed.
func (t *Topology) EnsurePolling() {
	if t.policy.HealthPollInterval <= 0 {
		return
	}

	t.startMu.Lock()
	defer t.startMu.Unlock()

	if t.started || t.ctx.Err() != nil {
		return
	}
	t.started = true
	t.loop.Add(1)
	go t.poll()

	t.logger.WithField("interval", t.policy.HealthPollInterval).Debug("DBROUTER | health polling started")
}

func (t *Topology) polling() bool {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	return t.started
}

func (t *Topology) poll() {
	defer t.loop.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.clock.After(t.policy.HealthPollInterval):
			// Probes of the previous tick may still be running.
			for _, ep := range t.Endpoints() {
				t.probe(ep, nil)
			}
		}
	}
}

// ProbeNow probes every endpoint once and waits for the outcomes.
func (t *Topology) ProbeNow() {
	var wg sync.WaitGroup
	for _, ep := range t.Endpoints() {
		wg.Add(1)
		t.probe(ep, wg.Done)
	}
	wg.Wait()
}

// Probe dispatches an asynchronous probe of the endpoint with the given
// connection string. It reports false if no endpoint has that string.
func (t *Topology) Probe(dsn string) bool {
	for _, ep := range t.Endpoints() {
		if ep.DSN() == dsn {
			t.probe(ep, nil)
			return true
		}
	}
	return false
}

// probe dispatches one asynchronous probe. done, if set, runs after the
// outcome was recorded or dropped.
func (t *Topology) probe(ep *Endpoint, done func()) {
	t.probeMu.Lock()
	if t.closed {
		t.probeMu.Unlock()
		if done != nil {
			done()
		}
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	id := t.nextProbe
	t.nextProbe++
	t.probes[id] = cancel
	t.probeMu.Unlock()

	result := ScanAsync(ctx, t.prober, ep.DSN())
	go func() {
		if done != nil {
			defer done()
		}
		t.record(ctx, id, ep, <-result)
	}()
}

// record writes a probe outcome back unless the probe was cancelled. Close
// clears the tracked probes under the same lock, so no outcome reaches an
// endpoint after Close returned.
func (t *Topology) record(ctx context.Context, id uint64, ep *Endpoint, h Health) {
	t.probeMu.Lock()
	cancel, tracked := t.probes[id]
	if !tracked || ctx.Err() != nil {
		t.probeMu.Unlock()
		return
	}
	delete(t.probes, id)
	cancel()
	prev := ep.setHealth(h)
	// Gauges are shared with the next generation, so they are written before
	// Close can retire this one.
	t.metrics.observeProbe(t.name, ep, h)
	t.metrics.setHealth(t.name, ep)
	t.probeMu.Unlock()

	t.logTransition(ep, prev, h)
}

func (t *Topology) logTransition(ep *Endpoint, prev, current Health) {
	entry := t.logger.WithFields(log.Fields{
		"endpoint": ep.Name(),
		"dsn":      logger.RedactDSN(ep.DSN()),
	})
	switch {
	case prev == Offline && current == Online:
		entry.Warn("DBROUTER | endpoint is reconnected and online now")
	case prev == Online && current == Offline:
		entry.Error("DBROUTER | endpoint went offline")
	default:
		entry.WithField("health", current).Debug("DBROUTER | endpoint health unchanged")
	}
}

// Close stops polling, cancels every outstanding probe and waits for the
// polling loop to exit. It is safe to call more than once.
func (t *Topology) Close() {
	t.probeMu.Lock()
	if t.closed {
		t.probeMu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	for id, cancel := range t.probes {
		cancel()
		delete(t.probes, id)
	}
	t.probeMu.Unlock()

	t.loop.Wait()
	t.logger.Debug("DBROUTER | topology closed")
}

// pendingProbes returns the number of probes whose outcome is still awaited.
func (t *Topology) pendingProbes() int {
	t.probeMu.Lock()
	defer t.probeMu.Unlock()
	return len(t.probes)
}
