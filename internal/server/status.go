package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaspardpetit/mcp-http-bridge/internal/bridge"
	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
)

const bridgeName = "mcp-http-bridge"

type healthResponse struct {
	Status string `json:"status"`
	Bridge string `json:"bridge"`
}

// handleHealth reports liveness of the HTTP surface only; the child may be down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Bridge: bridgeName})
}

type statusResponse struct {
	bridge.Status
	BridgeUptimeSecs float64 `json:"bridge_uptime_seconds"`
	Transport        string  `json:"transport"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:           s.backend.Status(),
		BridgeUptimeSecs: time.Since(s.started).Seconds(),
		Transport:        "stdio",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logx.Log.Error().Err(err).Msg("marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}
