package dbrouter

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// DSNParser turns a connection string into normalized key/value pairs.
type DSNParser func(dsn string) (map[string]string, error)

// Matcher decides whether two connection strings point at the same endpoint.
// Connection strings are compared as key/value sets, so key order, key case and
// the URL or keyword/value notation do not matter.
type Matcher struct {
	driver string
	parse  DSNParser
	keys   sync.Map // dsn -> canonical key
}

// NewMatcher returns a Matcher using the parser registered for driver.
func NewMatcher(driver string) *Matcher {
	return &Matcher{driver: driver, parse: parserFor(driver)}
}

// Driver returns the database/sql driver name the matcher parses for.
func (m *Matcher) Driver() string { return m.driver }

// Equivalent reports whether a and b address the same endpoint.
func (m *Matcher) Equivalent(a, b string) bool {
	if a == b {
		return true
	}
	return m.Key(a) == m.Key(b)
}

// Key returns a canonical form of dsn. Equivalent strings share a key, so it
// can be used as a map key. Strings the parser rejects are kept verbatim.
func (m *Matcher) Key(dsn string) string {
	if k, ok := m.keys.Load(dsn); ok {
		return k.(string)
	}
	key := dsn
	if pairs, err := m.parse(dsn); err == nil {
		key = canonical(pairs)
	}
	m.keys.Store(dsn, key)
	return key
}

func canonical(pairs map[string]string) string {
	names := make([]string, 0, len(pairs))
	for k := range pairs {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(pairs[k]))
	}
	return b.String()
}

// Matchers memoizes one Matcher per driver name.
type Matchers struct {
	mu       sync.Mutex
	byDriver map[string]*Matcher
}

func NewMatchers() *Matchers {
	return &Matchers{byDriver: make(map[string]*Matcher)}
}

// For returns the Matcher of driver, creating it on first use.
func (ms *Matchers) For(driver string) *Matcher {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, ok := ms.byDriver[driver]
	if !ok {
		m = NewMatcher(driver)
		ms.byDriver[driver] = m
	}
	return m
}

func parserFor(driver string) DSNParser {
	switch driver {
	case "pgx", "pgx/v5":
		return parsePgx
	case "postgres":
		return parsePq
	case "sqlite3", "sqlite":
		return parseSqlite
	default:
		return parseGeneric
	}
}

// parsePgx uses the pgx connection string builder, so defaults and environment
// fallbacks are applied the same way the driver applies them.
func parsePgx(dsn string) (map[string]string, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	pairs := map[string]string{
		"host":     cfg.Host,
		"port":     strconv.Itoa(int(cfg.Port)),
		"database": cfg.Database,
		"user":     cfg.User,
		"password": cfg.Password,
	}
	if cfg.ConnectTimeout > 0 {
		pairs["connect_timeout"] = cfg.ConnectTimeout.String()
	}
	for k, v := range cfg.RuntimeParams {
		pairs[strings.ToLower(k)] = v
	}

	hosts := make([]string, 0, len(cfg.Fallbacks))
	tls := make([]string, 0, len(cfg.Fallbacks))
	seen := make(map[string]bool)
	for _, fb := range cfg.Fallbacks {
		hp := fmt.Sprintf("%s:%d", fb.Host, fb.Port)
		if !seen[hp] {
			seen[hp] = true
			hosts = append(hosts, hp)
		}
		tls = append(tls, strconv.FormatBool(fb.TLSConfig != nil))
	}
	pairs["hosts"] = strings.Join(hosts, ",")
	pairs["tls"] = strings.Join(tls, ",")
	return pairs, nil
}

// parsePq accepts both postgres:// URLs and keyword/value strings as lib/pq does.
func parsePq(dsn string) (map[string]string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		dsn = kv
	}
	pairs, err := parseKeywordValue(dsn)
	if err != nil {
		return nil, err
	}
	if db, ok := pairs["database"]; ok {
		delete(pairs, "database")
		pairs["dbname"] = db
	}
	return pairs, nil
}

// parseSqlite splits a go-sqlite3 DSN into its file name and query options.
func parseSqlite(dsn string) (map[string]string, error) {
	name, rawQuery, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if name == "" {
		return nil, fmt.Errorf("empty sqlite file name in %q", dsn)
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	pairs := map[string]string{"file": name}
	for k, vs := range query {
		pairs[strings.ToLower(k)] = strings.Join(vs, ",")
	}
	return pairs, nil
}

// parseGeneric handles "k=v;k=v" and "k=v k=v" strings of drivers without a
// dedicated parser. Keys are case-insensitive.
func parseGeneric(dsn string) (map[string]string, error) {
	if strings.Contains(dsn, ";") {
		pairs := make(map[string]string)
		for _, part := range strings.Split(dsn, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("missing '=' in %q", part)
			}
			pairs[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		return pairs, nil
	}
	return parseKeywordValue(dsn)
}

// parseKeywordValue parses libpq style "key=value key='quoted value'" strings.
func parseKeywordValue(s string) (map[string]string, error) {
	pairs := make(map[string]string)
	rs := []rune(s)
	i := 0
	skipSpace := func() {
		for i < len(rs) && (rs[i] == ' ' || rs[i] == '\t' || rs[i] == '\n') {
			i++
		}
	}

	for {
		skipSpace()
		if i >= len(rs) {
			break
		}

		start := i
		for i < len(rs) && rs[i] != '=' && rs[i] != ' ' {
			i++
		}
		key := strings.ToLower(string(rs[start:i]))
		skipSpace()
		if i >= len(rs) || rs[i] != '=' {
			return nil, fmt.Errorf("missing '=' after %q", key)
		}
		i++
		skipSpace()

		var val strings.Builder
		if i < len(rs) && rs[i] == '\'' {
			i++
			closed := false
			for i < len(rs) {
				switch rs[i] {
				case '\\':
					i++
					if i < len(rs) {
						val.WriteRune(rs[i])
					}
				case '\'':
					closed = true
				default:
					val.WriteRune(rs[i])
				}
				i++
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
		} else {
			for i < len(rs) && rs[i] != ' ' && rs[i] != '\t' && rs[i] != '\n' {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				val.WriteRune(rs[i])
				i++
			}
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in %q", s)
		}
		pairs[key] = val.String()
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no key/value pairs in %q", s)
	}
	return pairs, nil
}
