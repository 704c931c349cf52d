package dbrouter

// The plugin hooks into gorm's callback chains. Every statement gets its own
// connection handle that the router points at the right endpoint before gorm
// executes it. Statements inside a transaction keep the transaction's
// connection, which was opened on the primary.

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/randree/dbrouter/config"
)

func isTransaction(connPool gorm.ConnPool) bool {
	_, ok := connPool.(gorm.TxCommitter)
	return ok
}

// Plugin routes the statements of one gorm.DB through a Registry.
type Plugin struct {
	name     string
	registry *Registry
	router   *Router
	logger   log.FieldLogger
	gateway  *gateway

	mu    sync.Mutex
	pools map[string]*Pool
}

var _ gorm.Plugin = (*Plugin)(nil)

// NewPlugin returns a plugin routing statements for the named database.
func NewPlugin(registry *Registry, name string) *Plugin {
	return &Plugin{
		name:     name,
		registry: registry,
		router:   NewRouter(registry),
		logger:   registry.opts.logger.WithField("database", name),
		pools:    make(map[string]*Pool),
	}
}

// Register activates routing of db for the named database. The topology is
// built immediately so a broken configuration fails here.
func (r *Registry) Register(db *gorm.DB, name string) error {
	p := NewPlugin(r, name)
	if err := db.Use(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	return nil
}

// Open opens gorm with the postgres dialector on the primary of name and
// registers routing. A nil cfg uses a config that skips the initial ping, so
// an offline primary does not prevent start up when failover is enabled.
// The dialector speaks postgres, so the driver must be pgx or postgres. Other
// databases open gorm with their own dialector and call Registry.Register.
func Open(registry *Registry, name string, cfg *gorm.Config) (*gorm.DB, error) {
	t, err := registry.Topology(name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &gorm.Config{DisableAutomaticPing: true}
	}

	pgConf := postgres.Config{DSN: t.Primary().DSN()}
	if t.Driver() != config.DefaultDriver {
		pgConf.DriverName = t.Driver()
	}
	db, err := gorm.Open(postgres.New(pgConf), cfg)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(db, name); err != nil {
		return nil, err
	}
	return db, nil
}

func (p *Plugin) Name() string {
	return "dbrouter:" + p.name
}

func (p *Plugin) Initialize(db *gorm.DB) error {
	if _, err := p.registry.Topology(p.name); err != nil {
		return err
	}

	cb := db.Callback()
	if err := cb.Create().Before("*").Register("dbrouter:create", p.distribute(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Update().Before("*").Register("dbrouter:update", p.distribute(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Delete().Before("*").Register("dbrouter:delete", p.distribute(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Raw().Before("*").Register("dbrouter:raw", p.distribute(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Query().Before("*").Register("dbrouter:query", p.distribute(ShapeReader)); err != nil {
		return err
	}
	if err := cb.Row().Before("*").Register("dbrouter:row", p.distribute(ShapeReader)); err != nil {
		return err
	}
	if err := cb.Create().After("*").Register("dbrouter:create_finish", p.finish(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Update().After("*").Register("dbrouter:update_finish", p.finish(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Delete().After("*").Register("dbrouter:delete_finish", p.finish(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Raw().After("*").Register("dbrouter:raw_finish", p.finish(ShapeNonQuery)); err != nil {
		return err
	}
	if err := cb.Query().After("*").Register("dbrouter:query_finish", p.finish(ShapeReader)); err != nil {
		return err
	}
	if err := cb.Row().After("*").Register("dbrouter:row_finish", p.finish(ShapeReader)); err != nil {
		return err
	}

	p.gateway = &gateway{plugin: p, base: db.ConnPool}
	db.ConnPool = p.gateway
	db.Statement.ConnPool = p.gateway

	p.registry.Subscribe(p.prune)
	return nil
}

// distribute routes one statement before gorm executes it.
func (p *Plugin) distribute(shape Shape) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil || isTransaction(db.Statement.ConnPool) {
			return
		}
		ctx := statementContext(db)
		role := Classify(Command{Shape: shape, SQL: db.Statement.SQL.String()})
		// Query builds its SQL after this callback, so look at the clauses.
		if _, locking := db.Statement.Clauses["FOR"]; locking {
			role = Write
		}

		conn, err := p.connFor(ctx, db.Statement.ConnPool)
		if err != nil {
			_ = db.AddError(err)
			return
		}
		if _, err := p.router.RouteBeforeExecute(ctx, p.name, conn, role, InTransaction(ctx)); err != nil {
			_ = db.AddError(err)
			return
		}
		db.Statement.ConnPool = conn
	}
}

// connFor reuses the statement's handle when it belongs to the current
// driver's pool, otherwise it opens a fresh one.
func (p *Plugin) connFor(ctx context.Context, current gorm.ConnPool) (*PooledConn, error) {
	t, err := p.registry.Topology(p.name)
	if err != nil {
		return nil, err
	}
	pool := p.pool(t.Driver())
	if conn, ok := current.(*PooledConn); ok && conn.pool == pool {
		return conn, nil
	}
	conn := pool.Conn()
	if err := p.router.Open(ctx, p.name, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Plugin) pool(driver string) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[driver]
	if !ok {
		var limits config.PoolConf
		if t, err := p.registry.Topology(p.name); err == nil {
			limits = t.pool
		}
		pool = NewPool(driver, p.registry.matcher(driver), limits)
		p.pools[driver] = pool
	}
	return pool
}

// finish hands the statement back to the gateway once gorm is done with it.
// A chained gorm.DB reuses its Statement, so a handle left there would carry
// the last read's endpoint into the next Begin, Transaction or DB call.
func (p *Plugin) finish(shape Shape) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if _, ok := db.Statement.ConnPool.(*PooledConn); !ok {
			return
		}
		if shape == ShapeReader {
			p.recheck(db)
		}
		db.Statement.ConnPool = p.gateway
	}
}

// recheck probes the endpoint that served a failed read right away instead of
// waiting for the next polling tick. A lost connection usually shows up as a
// query error first.
func (p *Plugin) recheck(db *gorm.DB) {
	err := db.Error
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNoUsableEndpoint) {
		return
	}
	conn, ok := db.Statement.ConnPool.(*PooledConn)
	if !ok {
		return
	}
	t, terr := p.registry.Topology(p.name)
	if terr != nil {
		return
	}
	conn.Lock()
	dsn := conn.DSN()
	conn.Unlock()
	if t.Probe(dsn) {
		p.logger.WithError(err).Warn("DBROUTER | statement failed, probing endpoint")
	}
}

// prune closes pooled handles of endpoints dropped by a reload and applies
// the new pool limits to the rest.
func (p *Plugin) prune(ev Rebuild) {
	if ev.Name != p.name || ev.New == nil {
		return
	}
	dsns := make([]string, 0, len(ev.New.secondaries)+1)
	for _, ep := range ev.New.Endpoints() {
		dsns = append(dsns, ep.DSN())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for driver, pool := range p.pools {
		pool.SetLimits(ev.New.pool)
		if n := pool.Retain(dsns); n > 0 {
			p.logger.WithFields(log.Fields{"driver": driver, "closed": n}).Info("DBROUTER | closed handles of removed endpoints")
		}
	}
}

// Close closes the plugin's connection pools.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for driver, pool := range p.pools {
		errs = append(errs, pool.Close())
		delete(p.pools, driver)
	}
	return errors.Join(errs...)
}

func statementContext(db *gorm.DB) context.Context {
	if db.Statement.Context != nil {
		return db.Statement.Context
	}
	return context.Background()
}

// gateway is the base connection pool of a routed gorm.DB. Anything reaching
// it directly, such as a transaction begin or a migrator statement outside the
// callback chains, is routed to the primary.
type gateway struct {
	plugin *Plugin
	base   gorm.ConnPool
}

func (g *gateway) conn(ctx context.Context) (*PooledConn, error) {
	p := g.plugin
	conn, err := p.connFor(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.router.RouteBeforeExecute(ctx, p.name, conn, Write, true); err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *gateway) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	conn, err := g.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.PrepareContext(ctx, query)
}

func (g *gateway) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	conn, err := g.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

func (g *gateway) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	conn, err := g.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRowContext cannot return a routing error, so it falls back to the
// dialector's own pool on the configured primary.
func (g *gateway) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	conn, err := g.conn(ctx)
	if err != nil {
		g.plugin.logger.WithError(err).Warn("DBROUTER | row query falls back to the configured primary")
		return g.base.QueryRowContext(ctx, query, args...)
	}
	return conn.QueryRowContext(ctx, query, args...)
}

// BeginTx starts every transaction on the usable primary.
func (g *gateway) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	conn, err := g.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.BeginTx(ctx, opts)
}

// GetDBConn returns the *sql.DB of the usable primary, so gorm.DB.DB works.
func (g *gateway) GetDBConn() (*sql.DB, error) {
	conn, err := g.conn(context.Background())
	if err != nil {
		return nil, err
	}
	return conn.current()
}
