package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/randree/dbrouter"
)

type healthzResponse struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Healthy    bool                      `json:"healthy"`
	Topologies []dbrouter.TopologyStatus `json:"topologies"`
}

type reloadResponse struct {
	Reloaded bool   `json:"reloaded"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

// status answers 503 when any built topology has an offline endpoint, so
// load balancers and dashboards can alert on a degraded replica set.
func status(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{Healthy: true, Topologies: d.Status.Snapshot()}
		for _, ts := range resp.Topologies {
			for _, ep := range ts.Endpoints {
				if !ep.Online {
					resp.Healthy = false
				}
			}
		}
		code := http.StatusOK
		if !resp.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func reload(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry := d.Logger.WithField("remote_ip", r.RemoteAddr)
		if err := d.Reloader.Reload(); err != nil {
			entry.WithError(err).Warn("DBROUTER | manual reload rejected")
			writeJSON(w, http.StatusUnprocessableEntity, reloadResponse{Error: err.Error()})
			return
		}
		entry.Info("DBROUTER | manual reload triggered")
		writeJSON(w, http.StatusOK, reloadResponse{Reloaded: true})
	}
}

// statusWriter captures status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func accessLog(logger log.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(ww, r)

			logger.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.status,
				"bytes":      ww.bytes,
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http_request")
		})
	}
}
