package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
)

type endpointParams struct {
	Endpoint string `json:"endpoint"`
}

type endpointEvent struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  endpointParams `json:"params"`
}

var keepAliveComment = []byte(": keepalive\n\n")

// endpointURL is where SSE clients should POST messages.
func (s *Server) endpointURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/message"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/message"
}

func writeEvent(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

// handleSSE announces the message endpoint and then holds the stream open
// with keepalive comments until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connID := uuid.NewString()
	closed := metrics.SSEConnected()
	defer closed()
	endpoint := s.endpointURL(r)
	logx.Log.Info().Str("conn", connID).Str("endpoint", endpoint).Msg("sse stream opened")

	b, _ := json.Marshal(endpointEvent{
		JSONRPC: mcp.JSONRPC_VERSION,
		Method:  "endpoint",
		Params:  endpointParams{Endpoint: endpoint},
	})
	if err := writeEvent(w, b); err != nil {
		return
	}
	flusher.Flush()

	var events <-chan json.RawMessage
	if s.cfg.ForwardNotifications {
		ch, unsubscribe := s.backend.Subscribe()
		defer unsubscribe()
		events = ch
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logx.Log.Info().Str("conn", connID).Msg("sse stream closed")
			return
		case <-s.streams.Done():
			logx.Log.Info().Str("conn", connID).Msg("sse stream closed by shutdown")
			return
		case <-ticker.C:
			if _, err := w.Write(keepAliveComment); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
