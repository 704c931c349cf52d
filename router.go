package dbrouter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Shape is the execution shape of a command.
type Shape int

const (
	// ShapeReader returns rows.
	ShapeReader Shape = iota
	// ShapeNonQuery returns an affected row count.
	ShapeNonQuery
	// ShapeScalar returns a single value.
	ShapeScalar
)

// Command is what the router needs to know about an outgoing statement.
type Command struct {
	Shape Shape
	SQL   string
}

var (
	readKeywords = map[string]bool{
		"SELECT": true, "WITH": true, "SHOW": true, "EXPLAIN": true,
		"VALUES": true, "TABLE": true, "DESCRIBE": true, "DESC": true,
	}
	lockingClause  = regexp.MustCompile(`(?i)\bFOR\s+(NO\s+KEY\s+UPDATE|UPDATE|KEY\s+SHARE|SHARE)\b`)
	modifyingWords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE)\b`)
	explainAnalyze = regexp.MustCompile(`(?i)^\s*EXPLAIN\s*(\(|\s)[^;]*\bANALY[SZ]E\b`)
)

// Classify returns Write for data modifying commands and Read otherwise.
// Non-query and scalar shapes are always writes. Reader statements are reads
// unless their SQL modifies data or takes row locks; an empty SQL text is a
// read.
func Classify(cmd Command) Role {
	if cmd.Shape != ShapeReader {
		return Write
	}
	sql := cmd.SQL
	kw := leadingKeyword(sql)
	if kw == "" {
		return Read
	}
	if !readKeywords[kw] {
		return Write
	}
	if lockingClause.MatchString(sql) {
		return Write
	}
	if kw == "WITH" && modifyingWords.MatchString(sql) {
		return Write
	}
	if kw == "EXPLAIN" && explainAnalyze.MatchString(sql) {
		return Write
	}
	return Read
}

// leadingKeyword returns the first keyword of sql in upper case, skipping
// whitespace, comments and opening parentheses.
func leadingKeyword(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

type txKey struct{}

// WithTransaction marks ctx as running inside an application transaction.
// Commands issued with such a context are routed to the primary.
func WithTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, true)
}

// InTransaction reports whether ctx was marked by WithTransaction.
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// Router picks the endpoint of every command and retargets its connection.
type Router struct {
	registry *Registry
	logger   log.FieldLogger
	metrics  *Metrics
}

// NewRouter returns a router over the topologies of registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		logger:   registry.opts.logger,
		metrics:  registry.opts.metrics,
	}
}

// topology returns the topology of name, or nil if name is not configured.
func (r *Router) topology(name string) (*Topology, error) {
	t, err := r.registry.Topology(name)
	if errors.Is(err, ErrUnknownDatabase) {
		return nil, nil
	}
	return t, err
}

// Decide computes the route of a command. Reads inside a transaction are
// routed like writes so they observe the transaction's own changes.
func (r *Router) Decide(name string, role Role, inTx bool) (Decision, error) {
	t, err := r.topology(name)
	if err != nil || t == nil {
		return Decision{}, err
	}
	return r.decide(t, role, inTx)
}

func (r *Router) decide(t *Topology, role Role, inTx bool) (Decision, error) {
	requested := role
	if inTx {
		requested = Write
	}

	var d Decision
	var err error
	if requested == Write {
		d, err = t.PrimaryDecision()
	} else {
		d, err = t.SecondaryDecision()
	}
	if err != nil {
		return Decision{}, err
	}
	r.metrics.observeRoute(t.Name(), requested, d.Role)
	return d, nil
}

// OnConnectionOpening points a connection that is about to be opened at the
// primary. Routing decides the real target at execute time.
func (r *Router) OnConnectionOpening(name string, conn Conn) error {
	conn.Lock()
	defer conn.Unlock()
	_, err := r.onOpening(name, conn)
	return err
}

func (r *Router) onOpening(name string, conn Conn) (bool, error) {
	t, err := r.topology(name)
	if err != nil || t == nil {
		return false, err
	}
	if conn.IsOpen() {
		return true, nil
	}
	return true, conn.SetDSN(t.Primary().DSN())
}

// Open vets and opens a connection of the named database.
func (r *Router) Open(ctx context.Context, name string, conn Conn) error {
	conn.Lock()
	defer conn.Unlock()

	if _, err := r.onOpening(name, conn); err != nil {
		return err
	}
	return conn.Open(ctx)
}

// RouteBeforeExecute makes conn target the endpoint the command should run
// on. A connection already targeting an equivalent connection string is left
// alone. Otherwise it is closed, repointed and reopened if it was open, all
// under the connection's lock. Databases without a topology pass through.
func (r *Router) RouteBeforeExecute(ctx context.Context, name string, conn Conn, role Role, inTx bool) (Decision, error) {
	t, err := r.topology(name)
	if err != nil || t == nil {
		return Decision{}, err
	}

	d, err := r.decide(t, role, inTx)
	if err != nil {
		return Decision{}, err
	}

	conn.Lock()
	err = r.retarget(ctx, t, conn, d)
	conn.Unlock()
	if err != nil {
		return Decision{}, err
	}

	t.EnsurePolling()
	return d, nil
}

func (r *Router) retarget(ctx context.Context, t *Topology, conn Conn, d Decision) error {
	matcher := r.registry.matcher(t.Driver())
	if matcher.Equivalent(conn.DSN(), d.DSN) {
		return nil
	}

	wasOpen := conn.IsOpen()
	if wasOpen {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("DBROUTER | close before retarget: %w", err)
		}
	}
	if err := conn.SetDSN(d.DSN); err != nil {
		return err
	}
	if wasOpen {
		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("DBROUTER | reopen after retarget: %w", err)
		}
	}

	r.logger.WithFields(log.Fields{
		"database": t.Name(),
		"role":     d.Role,
	}).Trace("DBROUTER | connection retargeted")
	return nil
}
