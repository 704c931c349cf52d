package dbrouter

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/randree/dbrouter/config"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func NewReplicationConfig(primary string, secondaries ...string) *config.ReplicationConf {
	replica := config.NewReplicationConf()
	replica.SetPrimaryNodeConf(&config.NodeConf{DSN: primary})
	for _, s := range secondaries {
		replica.AppendSecondaryNodeConf(&config.NodeConf{DSN: s})
	}
	replica.Driver = "generic"
	return replica
}

func NewDatabaseConfig(name string, replica *config.ReplicationConf) config.DatabaseConf {
	database := config.NewDatabaseConf()
	database.AppendReplicationConf(name, replica)
	return database
}

// stubProber answers from a fixed table; unknown connection strings are online.
type stubProber struct {
	mu      sync.Mutex
	offline map[string]bool
	calls   atomic.Int32
}

func newStubProber(offline ...string) *stubProber {
	p := &stubProber{offline: make(map[string]bool)}
	for _, dsn := range offline {
		p.offline[dsn] = true
	}
	return p
}

func (p *stubProber) set(dsn string, h Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[dsn] = h == Offline
}

func (p *stubProber) Scan(_ context.Context, dsn string) Health {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline[dsn] {
		return Offline
	}
	return Online
}

func (p *stubProber) factory() func(string, time.Duration) Prober {
	return func(string, time.Duration) Prober { return p }
}

// blockingProber holds every probe until release is closed, then reports
// the endpoint offline. It ignores cancellation like a hung socket would.
type blockingProber struct {
	started chan string
	release chan struct{}
}

func newBlockingProber() *blockingProber {
	return &blockingProber{
		started: make(chan string, 64),
		release: make(chan struct{}),
	}
}

func (p *blockingProber) Scan(_ context.Context, dsn string) Health {
	p.started <- dsn
	<-p.release
	return Offline
}

func (p *blockingProber) factory() func(string, time.Duration) Prober {
	return func(string, time.Duration) Prober { return p }
}
