// Package server exposes the bridge over HTTP: a JSON-RPC message endpoint,
// an SSE discovery stream, a WebSocket transport and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcp-http-bridge/internal/bridge"
	"github.com/gaspardpetit/mcp-http-bridge/internal/config"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
)

// Backend forwards messages to the child MCP server.
type Backend interface {
	Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, msg json.RawMessage) error
	Subscribe() (<-chan json.RawMessage, func())
	Status() bridge.Status
}

// Server is the HTTP handler for the bridge.
type Server struct {
	cfg     config.BridgeConfig
	backend Backend
	started time.Time
	router  chi.Router

	// streams is cancelled by CloseStreams to end SSE and WebSocket sessions,
	// which http.Server.Shutdown does not interrupt on its own.
	streams      context.Context
	closeStreams context.CancelFunc
}

// New constructs the HTTP handler for the bridge.
func New(cfg config.BridgeConfig, backend Backend) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = config.DefaultKeepAlive
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	s := &Server{cfg: cfg, backend: backend, started: time.Now()}
	s.streams, s.closeStreams = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/message", s.handleMessage)
	r.Get("/sse", s.handleSSE)
	r.Get("/", s.handleSSE)
	r.Get("/ws", s.handleWS)
	if cfg.SharedMetrics() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleNotFound)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CloseStreams ends every open SSE and WebSocket session. Register it with
// http.Server.RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeStreams()
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found"))
}
