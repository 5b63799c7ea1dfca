// Package httpapi exposes a small introspection surface over the running
// bridge: liveness and per-shard connection status, for container health
// checks and operator dashboards.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// ShardStatus is a point-in-time snapshot of one shard's gateway session.
type ShardStatus struct {
	ShardID   int    `json:"shard_id"`
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
}

// StatusSource is implemented by whatever owns the live shard sessions; it
// lets the HTTP layer stay decoupled from the gateway package's internals.
type StatusSource interface {
	ShardStatuses() []ShardStatus
}

// NewRouter builds the bridge's HTTP surface: GET /healthz for a bare
// liveness probe and GET /shards for the current fan-out status.
func NewRouter(src StatusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/shards", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.ShardStatuses())
	})

	return r
}

// requestLogger logs method, path, and duration through logrus, the way
// the rest of the bridge logs everything else.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Info("http request")
	})
}
