package dbrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_matcher(t *testing.T) {

	tests := []struct {
		name       string
		driver     string
		a, b       string
		equivalent bool
	}{
		{
			name:       "pgx key order does not matter",
			driver:     "pgx",
			a:          "host=a port=5432 user=u password=x dbname=d sslmode=disable",
			b:          "dbname=d sslmode=disable port=5432 host=a user=u password=x",
			equivalent: true,
		},
		{
			name:       "pgx URL and keyword/value forms match",
			driver:     "pgx",
			a:          "postgres://u:x@a:5432/d?sslmode=disable",
			b:          "host=a port=5432 user=u password=x dbname=d sslmode=disable",
			equivalent: true,
		},
		{
			name:       "pgx different hosts differ",
			driver:     "pgx",
			a:          "host=a user=u dbname=d sslmode=disable",
			b:          "host=b user=u dbname=d sslmode=disable",
			equivalent: false,
		},
		{
			name:       "pgx runtime parameters are compared",
			driver:     "pgx",
			a:          "host=a user=u dbname=d sslmode=disable application_name=x",
			b:          "host=a user=u dbname=d sslmode=disable",
			equivalent: false,
		},
		{
			name:       "lib/pq URL and keyword/value forms match",
			driver:     "postgres",
			a:          "postgres://u:x@a:5432/d?sslmode=disable",
			b:          "host=a port=5432 user=u password=x dbname=d sslmode=disable",
			equivalent: true,
		},
		{
			name:       "lib/pq quoted values are unquoted",
			driver:     "postgres",
			a:          `host=a password='it\'s a secret' dbname=d`,
			b:          `dbname=d host=a password='it\'s a secret'`,
			equivalent: true,
		},
		{
			name:       "sqlite query option order does not matter",
			driver:     "sqlite3",
			a:          "file:test.db?cache=shared&mode=memory",
			b:          "test.db?mode=memory&cache=shared",
			equivalent: true,
		},
		{
			name:       "sqlite different files differ",
			driver:     "sqlite3",
			a:          "file:a.db",
			b:          "file:b.db",
			equivalent: false,
		},
		{
			name:       "generic keys are case insensitive",
			driver:     "sqlserver",
			a:          "Server=a;Database=d",
			b:          "database=d; server=a",
			equivalent: true,
		},
		{
			name:       "generic values are case sensitive",
			driver:     "sqlserver",
			a:          "Server=a;Database=d",
			b:          "Server=a;Database=D",
			equivalent: false,
		},
		{
			name:       "unparseable strings compare literally",
			driver:     "sqlserver",
			a:          "not a dsn",
			b:          "not  a dsn",
			equivalent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.driver)
			assert.Equal(t, tt.equivalent, m.Equivalent(tt.a, tt.b))
			assert.Equal(t, tt.equivalent, m.Key(tt.a) == m.Key(tt.b))
		})
	}
}

func Test_matchers(t *testing.T) {
	ms := NewMatchers()

	t.Run("One matcher per driver", func(t *testing.T) {
		assert.Same(t, ms.For("pgx"), ms.For("pgx"))
		assert.NotSame(t, ms.For("pgx"), ms.For("sqlite3"))
		assert.Equal(t, "sqlite3", ms.For("sqlite3").Driver())
	})

	t.Run("Keys are memoized", func(t *testing.T) {
		m := ms.For("sqlite3")
		key := m.Key("file:x.db?mode=ro")
		_, ok := m.keys.Load("file:x.db?mode=ro")
		assert.True(t, ok)
		assert.Equal(t, key, m.Key("file:x.db?mode=ro"))
	})
}
