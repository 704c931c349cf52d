package config

import (
	"io"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oneSecondary = `
databases:
  app:
    primary: host=p
    secondaries: [host=s1]
`
	twoSecondaries = `
databases:
  app:
    primary: host=p
    secondaries: [host=s1, host=s2]
`
)

func newTestWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	w, err := NewWatcher(path, 20*time.Millisecond, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func Test_watcher(t *testing.T) {

	t.Run("The initial file must be valid", func(t *testing.T) {
		_, err := NewWatcher(writeConfig(t, "databases: {}"), 0, nil)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("A changed file is published", func(t *testing.T) {
		// Given
		path := writeConfig(t, oneSecondary)
		w := newTestWatcher(t, path)
		require.Len(t, w.Current().Databases["app"].Secondaries, 1)

		// When
		require.NoError(t, os.WriteFile(path, []byte(twoSecondaries), 0o600))

		// Then
		select {
		case snapshot := <-w.Updates():
			assert.Len(t, snapshot["app"].Secondaries, 2)
		case <-time.After(5 * time.Second):
			t.Fatal("no snapshot published")
		}
		assert.Len(t, w.Current().Databases["app"].Secondaries, 2)
	})

	t.Run("An invalid file is not published", func(t *testing.T) {
		path := writeConfig(t, oneSecondary)
		w := newTestWatcher(t, path)

		require.NoError(t, os.WriteFile(path, []byte("databases: [broken"), 0o600))
		err := w.Reload()

		assert.ErrorIs(t, err, ErrInvalid)
		assert.Len(t, w.Current().Databases["app"].Secondaries, 1)
		select {
		case <-w.Updates():
			t.Fatal("invalid configuration was published")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Only the newest snapshot is kept", func(t *testing.T) {
		path := writeConfig(t, oneSecondary)
		w := newTestWatcher(t, path)

		require.NoError(t, w.Reload())
		require.NoError(t, os.WriteFile(path, []byte(twoSecondaries), 0o600))
		require.NoError(t, w.Reload())

		require.Eventually(t, func() bool {
			select {
			case snapshot := <-w.Updates():
				return len(snapshot["app"].Secondaries) == 2
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("A stopped watcher refuses to reload", func(t *testing.T) {
		w := newTestWatcher(t, writeConfig(t, oneSecondary))

		require.NoError(t, w.Stop())
		require.NoError(t, w.Stop())
		assert.Error(t, w.Reload())
	})
}
