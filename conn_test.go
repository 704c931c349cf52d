package dbrouter

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randree/dbrouter/config"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := NewPool("sqlite3", NewMatcher("sqlite3"), config.PoolConf{MaxOpenConns: 4, MaxIdleConns: 2})
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func Test_pool(t *testing.T) {

	t.Run("Equivalent connection strings share a handle", func(t *testing.T) {
		pool := newTestPool(t)

		a, err := pool.DB("file:pool_a?mode=memory&cache=shared")
		require.NoError(t, err)
		b, err := pool.DB("pool_a?cache=shared&mode=memory")
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.Equal(t, 1, pool.Len())
		assert.Equal(t, 4, a.Stats().MaxOpenConnections)
	})

	t.Run("Retain closes handles of removed endpoints", func(t *testing.T) {
		pool := newTestPool(t)
		_, err := pool.DB("file:pool_keep?mode=memory&cache=shared")
		require.NoError(t, err)
		_, err = pool.DB("file:pool_drop?mode=memory&cache=shared")
		require.NoError(t, err)

		closed := pool.Retain([]string{"pool_keep?cache=shared&mode=memory"})
		assert.Equal(t, 1, closed)
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("A closed pool hands out nothing", func(t *testing.T) {
		pool := newTestPool(t)
		require.NoError(t, pool.Close())

		_, err := pool.DB("file:pool_closed?mode=memory&cache=shared")
		assert.ErrorIs(t, err, ErrConnClosed)
	})
}

func Test_pooled_conn(t *testing.T) {
	ctx := context.Background()

	t.Run("Statements run against the attached endpoint", func(t *testing.T) {
		pool := newTestPool(t)
		conn := pool.Conn()
		conn.Lock()
		require.NoError(t, conn.SetDSN("file:conn_exec?mode=memory&cache=shared"))
		require.NoError(t, conn.Open(ctx))
		conn.Unlock()

		_, err := conn.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, "INSERT INTO t (v) VALUES (42)")
		require.NoError(t, err)

		var v int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT v FROM t").Scan(&v))
		assert.Equal(t, 42, v)
	})

	t.Run("An open handle cannot be repointed", func(t *testing.T) {
		pool := newTestPool(t)
		conn := pool.Conn()
		conn.Lock()
		defer conn.Unlock()

		require.NoError(t, conn.SetDSN("file:conn_open?mode=memory&cache=shared"))
		require.NoError(t, conn.Open(ctx))
		assert.True(t, conn.IsOpen())
		assert.Error(t, conn.SetDSN("file:other?mode=memory&cache=shared"))

		require.NoError(t, conn.Close())
		assert.False(t, conn.IsOpen())
		assert.NoError(t, conn.SetDSN("file:other?mode=memory&cache=shared"))
	})

	t.Run("A closed handle reports ErrConnClosed", func(t *testing.T) {
		pool := newTestPool(t)
		conn := pool.Conn()

		_, err := conn.ExecContext(ctx, "SELECT 1")
		assert.ErrorIs(t, err, ErrConnClosed)
		_, err = conn.QueryContext(ctx, "SELECT 1")
		assert.ErrorIs(t, err, ErrConnClosed)
		_, err = conn.BeginTx(ctx, nil)
		assert.ErrorIs(t, err, ErrConnClosed)
		assert.Panics(t, func() { conn.QueryRowContext(ctx, "SELECT 1") })
	})

	t.Run("Opening without a connection string fails", func(t *testing.T) {
		pool := newTestPool(t)
		conn := pool.Conn()
		conn.Lock()
		defer conn.Unlock()

		assert.Error(t, conn.Open(ctx))
	})
}
