package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kasagi-engine/server/internal/net/dispatch"
	"kasagi-engine/server/internal/net/ws"
	"kasagi-engine/server/internal/room"
	"kasagi-engine/server/internal/telemetry"
)

// HTTPHandlerConfig wires the HTTP surface: the websocket endpoint plus the
// health and diagnostics routes.
type HTTPHandlerConfig struct {
	Registry   *room.Registry
	Telemetry  *telemetry.Counters
	InstanceID string
	Logger     *log.Logger
}

type statsPayload struct {
	Status     string             `json:"status"`
	InstanceID string             `json:"instanceId"`
	ServerTime int64              `json:"serverTime"`
	Registry   room.RegistryStats `json:"registry"`
	Counters   telemetry.Snapshot `json:"counters"`
}

// NewHTTPHandler builds the router serving /ws, /health, /stats and the debug
// page.
func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	dispatcher := dispatch.NewDispatcher(cfg.Registry, logger)
	wsHandler := ws.NewHandler(dispatcher, logger)

	r := chi.NewRouter()

	r.Get("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		payload := statsPayload{
			Status:     "ok",
			InstanceID: cfg.InstanceID,
			ServerTime: time.Now().UnixMilli(),
			Registry:   cfg.Registry.Stats(),
			Counters:   cfg.Telemetry.SnapshotCounters(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/ws", wsHandler.Handle)

	r.Get("/", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(debugPage))
	})

	return r
}
