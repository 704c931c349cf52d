package dbrouter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/randree/dbrouter/config"
)

// Conn is a connection handle the router can retarget. The router holds the
// handle's lock while it inspects and changes it; the other methods expect
// that lock to be held by the caller.
type Conn interface {
	sync.Locker
	DSN() string
	SetDSN(dsn string) error
	IsOpen() bool
	Open(ctx context.Context) error
	Close() error
}

// Pool keeps one *sql.DB per endpoint. Connection strings are keyed by their
// canonical form, so equivalent spellings share a database handle.
type Pool struct {
	driver  string
	matcher *Matcher
	limits  config.PoolConf

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool
}

// NewPool returns an empty pool for driver.
func NewPool(driver string, matcher *Matcher, limits config.PoolConf) *Pool {
	return &Pool{
		driver:  driver,
		matcher: matcher,
		limits:  limits,
		dbs:     make(map[string]*sql.DB),
	}
}

// DB returns the database handle of dsn, opening it on first use. Opening is
// lazy in database/sql, so no network round trip happens here.
func (p *Pool) DB(dsn string) (*sql.DB, error) {
	key := p.matcher.Key(dsn)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrConnClosed
	}
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}

	db, err := sql.Open(p.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("DBROUTER | open %s endpoint: %w", p.driver, err)
	}
	p.apply(db)
	p.dbs[key] = db
	return db, nil
}

// defaultMaxIdleConns mirrors database/sql's default.
const defaultMaxIdleConns = 2

// apply sets the pool limits on db. Zero values restore the database/sql
// defaults. For more information http://go-database-sql.org/connection-pool.html
func (p *Pool) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.limits.MaxOpenConns)
	idle := p.limits.MaxIdleConns
	if idle == 0 {
		idle = defaultMaxIdleConns
	}
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(p.limits.ConnMaxLifetime)
}

// SetLimits replaces the pool limits and applies them to the open handles.
func (p *Pool) SetLimits(limits config.PoolConf) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.limits = limits
	for _, db := range p.dbs {
		p.apply(db)
	}
}

// Conn returns a new closed handle drawing on the pool.
func (p *Pool) Conn() *PooledConn {
	return &PooledConn{pool: p}
}

// Retain closes the database handles of endpoints not in dsns and returns how
// many were closed.
func (p *Pool) Retain(dsns []string) int {
	keep := make(map[string]bool, len(dsns))
	for _, dsn := range dsns {
		keep[p.matcher.Key(dsn)] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for key, db := range p.dbs {
		if keep[key] {
			continue
		}
		_ = db.Close()
		delete(p.dbs, key)
		closed++
	}
	return closed
}

// Len returns the number of open database handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dbs)
}

// Close closes every database handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for key, db := range p.dbs {
		errs = append(errs, db.Close())
		delete(p.dbs, key)
	}
	return errors.Join(errs...)
}

// PooledConn is a per-statement connection handle. Opening attaches it to the
// pooled *sql.DB of its DSN; closing detaches it without closing the pool.
// It implements gorm.ConnPool.
type PooledConn struct {
	mu   sync.Mutex
	pool *Pool
	dsn  string
	db   *sql.DB
	last *sql.DB
}

func (c *PooledConn) Lock()   { c.mu.Lock() }
func (c *PooledConn) Unlock() { c.mu.Unlock() }

func (c *PooledConn) DSN() string { return c.dsn }

func (c *PooledConn) SetDSN(dsn string) error {
	if c.db != nil {
		return errors.New("DBROUTER | cannot change the connection string of an open connection")
	}
	c.dsn = dsn
	return nil
}

func (c *PooledConn) IsOpen() bool { return c.db != nil }

func (c *PooledConn) Open(_ context.Context) error {
	if c.db != nil {
		return nil
	}
	if c.dsn == "" {
		return errors.New("DBROUTER | connection string is empty")
	}
	db, err := c.pool.DB(c.dsn)
	if err != nil {
		return err
	}
	c.db = db
	c.last = db
	return nil
}

func (c *PooledConn) Close() error {
	c.db = nil
	return nil
}

// current returns the attached database, waiting for a retarget in progress.
func (c *PooledConn) current() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, ErrConnClosed
	}
	return c.db, nil
}

func (c *PooledConn) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	db, err := c.current()
	if err != nil {
		return nil, err
	}
	return db.PrepareContext(ctx, query)
}

func (c *PooledConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db, err := c.current()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, query, args...)
}

func (c *PooledConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	db, err := c.current()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

// QueryRowContext cannot report ErrConnClosed; a closed handle queries the
// endpoint it was last attached to.
func (c *PooledConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	c.mu.Lock()
	db := c.db
	if db == nil {
		db = c.last
	}
	c.mu.Unlock()
	if db == nil {
		panic("DBROUTER | QueryRowContext on a connection that was never opened")
	}
	return db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the attached endpoint.
func (c *PooledConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	db, err := c.current()
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx, opts)
}
