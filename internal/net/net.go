// Package net wires the HTTP surface: the websocket upgrade endpoint,
// Prometheus metrics, health, and the read-only introspection commands
// spec.md §6 names (`properties`, `list_handlers`, `list_nodes`,
// `force_rebuild`). Grounded on the teacher's
// `internal/net/http_handlers.go` ServeMux-plus-httpError pattern.
package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orbitcut/server/internal/control"
	"orbitcut/server/internal/net/ws"
	"orbitcut/server/internal/observability"
	"orbitcut/server/internal/telemetry"
)

// Config carries the dependencies the HTTP surface needs.
type Config struct {
	Controller    *control.Controller
	WS            *ws.Handler
	Logger        telemetry.Logger
	Observability observability.Config
}

// NewHandler builds the top-level nethttp.Handler: /ws, /health,
// /metrics, and the introspection endpoints under /control/.
func NewHandler(cfg Config) nethttp.Handler {
	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/ws", cfg.WS)

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/control/properties", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, cfg.Controller.Properties())
	})

	mux.HandleFunc("/control/handlers", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, cfg.Controller.ListHandlers())
	})

	mux.HandleFunc("/control/nodes", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		class := r.URL.Query().Get("class")
		if class == "" {
			class = "static"
		}
		writeJSON(w, cfg.Controller.ListNodes(class))
	})

	mux.HandleFunc("/control/force_rebuild", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if err := cfg.Controller.ForceRebuild(); err != nil {
			writeJSONStatus(w, nethttp.StatusNotImplemented, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w nethttp.ResponseWriter, payload any) {
	writeJSONStatus(w, nethttp.StatusOK, payload)
}

func writeJSONStatus(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
