package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logging:
  level: debug
  json: true
admin:
  listen: ":9090"
databases:
  first_db:
    primary:
      host: mycomputer
      port: 9000
      user: database_user
      password: ${DB_PASSWORD}
      db: testdb
      sslmode: disable
    secondaries:
      - host=mycomputer port=9001 dbname=testdb
      - dsn: host=mycomputer port=9002 dbname=testdb
    failoverToSecondaryOnPrimaryDown: true
    randomizeSecondarySelection: true
    healthPollIntervalSeconds: 5
    probeTimeout: 2s
    pool:
      maxOpenConns: 20
      maxIdleConns: 8
      connMaxLifetime: 1h
  second_db:
    driver: sqlite3
    primary: file:second.db
    secondaries: [file:second_replica.db]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbrouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func Test_load(t *testing.T) {
	t.Setenv("DB_PASSWORD", "database_password")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	t.Run("Logging and admin sections are read", func(t *testing.T) {
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.JSON)
		assert.Equal(t, ":9090", cfg.Admin.Listen)
	})

	t.Run("Every database is read", func(t *testing.T) {
		assert.Equal(t, []string{"first_db", "second_db"}, cfg.Databases.Names())
	})

	t.Run("Structured and plain nodes become connection strings", func(t *testing.T) {
		first := cfg.Databases["first_db"]
		assert.Equal(t,
			"host=mycomputer port=9000 user=database_user password=database_password dbname=testdb sslmode=disable",
			first.Primary.ConnectionString())
		require.Len(t, first.Secondaries, 2)
		assert.Equal(t, "host=mycomputer port=9001 dbname=testdb", first.Secondaries[0].ConnectionString())
		assert.Equal(t, "host=mycomputer port=9002 dbname=testdb", first.Secondaries[1].ConnectionString())
	})

	t.Run("Policy and pool settings are read", func(t *testing.T) {
		first := cfg.Databases["first_db"]
		assert.True(t, first.FailoverToSecondaryOnPrimaryDown)
		assert.False(t, first.FailoverToPrimaryOnAllSecondariesDown)
		assert.True(t, first.RandomizeSecondarySelection)
		assert.Equal(t, 5*time.Second, first.HealthPollInterval())
		assert.Equal(t, 2*time.Second, first.ProbeTimeout)
		assert.Equal(t, PoolConf{MaxOpenConns: 20, MaxIdleConns: 8, ConnMaxLifetime: time.Hour}, first.Pool)
	})

	t.Run("Driver defaults to pgx", func(t *testing.T) {
		assert.Equal(t, DefaultDriver, cfg.Databases["first_db"].DriverName())
		assert.Equal(t, "sqlite3", cfg.Databases["second_db"].DriverName())
	})
}

func Test_load_errors(t *testing.T) {

	t.Run("A missing file is reported", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("Malformed YAML is invalid", func(t *testing.T) {
		_, err := Parse([]byte("databases: [unclosed"))
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("A file without databases is invalid", func(t *testing.T) {
		_, err := Parse([]byte("logging:\n  level: info\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("A database without secondaries is invalid", func(t *testing.T) {
		_, err := Parse([]byte("databases:\n  app:\n    primary: host=p\n"))
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), `"app"`)
	})
}

func Test_substitute_env(t *testing.T) {
	t.Setenv("DBROUTER_SET", "value")
	t.Setenv("DBROUTER_EMPTY", "")

	assert.Equal(t, "value", SubstituteEnv("${DBROUTER_SET}"))
	assert.Equal(t, "value", SubstituteEnv("${DBROUTER_SET:-fallback}"))
	assert.Equal(t, "", SubstituteEnv("${DBROUTER_EMPTY:-fallback}"))
	assert.Equal(t, "fallback", SubstituteEnv("${DBROUTER_UNSET_VARIABLE:-fallback}"))
	assert.Equal(t, "", SubstituteEnv("${DBROUTER_UNSET_VARIABLE}"))
	assert.Equal(t, "host=a password=value", SubstituteEnv("host=a password=${DBROUTER_SET}"))
}

func Test_sample_file(t *testing.T) {
	t.Setenv("DB_PASSWORD", "database_password")

	cfg, err := Load(filepath.Join("..", "main", "dbrouter.yaml"))
	require.NoError(t, err)

	t.Run("Every database uses a postgres driver", func(t *testing.T) {
		require.NotEmpty(t, cfg.Databases)
		for name, db := range cfg.Databases {
			assert.Contains(t, []string{DefaultDriver, "postgres"}, db.DriverName(), name)
		}
	})
}
