package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randree/dbrouter"
)

type staticStatus []dbrouter.TopologyStatus

func (s staticStatus) Snapshot() []dbrouter.TopologyStatus { return s }

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func Test_admin_routes(t *testing.T) {
	healthy := staticStatus{{
		Database: "app",
		Endpoints: []dbrouter.EndpointStatus{
			{Name: "primary", Role: "primary", DSN: "host=p", Online: true},
			{Name: "secondary-0", Role: "secondary", DSN: "host=s", Online: true},
		},
	}}

	t.Run("healthz always answers", func(t *testing.T) {
		r := NewRouter(Deps{Status: healthy, Logger: quietLogger()})

		rec := serve(t, r, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("status reports every topology", func(t *testing.T) {
		r := NewRouter(Deps{Status: healthy, Logger: quietLogger()})

		rec := serve(t, r, http.MethodGet, "/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Healthy)
		require.Len(t, body.Topologies, 1)
		assert.Len(t, body.Topologies[0].Endpoints, 2)
	})

	t.Run("status is unavailable with an offline endpoint", func(t *testing.T) {
		degraded := staticStatus{{
			Database:  "app",
			Endpoints: []dbrouter.EndpointStatus{{Name: "primary", Online: false}},
		}}
		r := NewRouter(Deps{Status: degraded, Logger: quietLogger()})

		rec := serve(t, r, http.MethodGet, "/status")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("reload reports success and failure", func(t *testing.T) {
		var fail error
		calls := 0
		r := NewRouter(Deps{
			Status: healthy,
			Reloader: ReloaderFunc(func() error {
				calls++
				return fail
			}),
			Logger: quietLogger(),
		})

		rec := serve(t, r, http.MethodPost, "/reload")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"reloaded":true}`, rec.Body.String())

		fail = errors.New("invalid configuration")
		rec = serve(t, r, http.MethodPost, "/reload")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.JSONEq(t, `{"reloaded":false,"error":"invalid configuration"}`, rec.Body.String())
		assert.Equal(t, 2, calls)

		rec = serve(t, r, http.MethodGet, "/reload")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("optional routes are not mounted without their dependency", func(t *testing.T) {
		r := NewRouter(Deps{Status: healthy})

		assert.Equal(t, http.StatusNotFound, serve(t, r, http.MethodPost, "/reload").Code)
		assert.Equal(t, http.StatusNotFound, serve(t, r, http.MethodGet, "/metrics").Code)
	})

	t.Run("metrics are served by the given handler", func(t *testing.T) {
		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("dbrouter_endpoint_online 1\n"))
		})
		r := NewRouter(Deps{Status: healthy, Metrics: metrics, Logger: quietLogger()})

		rec := serve(t, r, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "dbrouter_endpoint_online")
	})
}
