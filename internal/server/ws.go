package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
)

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		patterns = append(patterns, strings.TrimSpace(o))
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// handleWS carries JSON-RPC over a WebSocket. Each text message is one
// JSON-RPC message; replies are written as they arrive and may be out of order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		logx.Log.Warn().Err(err).Msg("websocket accept")
		return
	}
	c.SetReadLimit(s.cfg.MaxBodyBytes)
	connID := uuid.NewString()
	logx.Log.Info().Str("conn", connID).Msg("websocket opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	var wg sync.WaitGroup
	send := func(b []byte) {
		if err := c.Write(ctx, websocket.MessageText, b); err != nil {
			logx.Log.Debug().Err(err).Str("conn", connID).Msg("websocket write")
		}
	}
	sendError := func(id json.RawMessage, msg string) {
		b, _ := json.Marshal(newErrorEnvelope(id, msg))
		send(b)
	}

	if s.cfg.ForwardNotifications {
		events, unsubscribe := s.backend.Subscribe()
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-events:
					if !ok {
						return
					}
					send(msg)
				}
			}
		}()
	}

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logx.Log.Debug().Err(err).Str("conn", connID).Msg("websocket read")
			}
			break
		}
		head, err := parseMessage(data)
		if err != nil {
			metrics.RecordRequest(metrics.TransportWS, metrics.OutcomeError, 0)
			sendError(nil, err.Error())
			continue
		}
		logx.Log.Info().Str("conn", connID).Str("method", head.name()).Str("transport", metrics.TransportWS).Msg("request")
		if !head.isRequest() {
			if err := s.backend.Notify(ctx, data); err != nil {
				metrics.RecordRequest(metrics.TransportWS, metrics.OutcomeError, 0)
				sendError(nil, err.Error())
				continue
			}
			metrics.RecordRequest(metrics.TransportWS, metrics.OutcomeNotify, 0)
			continue
		}
		wg.Add(1)
		go func(msg []byte, id json.RawMessage) {
			defer wg.Done()
			start := time.Now()
			done := metrics.RequestStarted()
			resp, err := s.backend.Send(ctx, msg)
			done()
			metrics.RecordRequest(metrics.TransportWS, outcomeOf(err), time.Since(start))
			if err != nil {
				sendError(id, err.Error())
				return
			}
			send(resp)
		}(data, head.ID)
	}

	cancel()
	wg.Wait()
	_ = c.Close(websocket.StatusNormalClosure, "")
	logx.Log.Info().Str("conn", connID).Msg("websocket closed")
}
