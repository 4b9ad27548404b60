package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcp-http-bridge/internal/correlator"
	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

func newErrorEnvelope(id json.RawMessage, msg string) errorEnvelope {
	return errorEnvelope{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   rpcError{Code: mcp.INTERNAL_ERROR, Message: msg},
	}
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, msg string) {
	writeJSON(w, http.StatusInternalServerError, newErrorEnvelope(id, msg))
}

// messageHead holds the routing fields of a JSON-RPC message.
type messageHead struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`

	batch   int
	request bool
}

// isRequest reports whether the message expects a reply.
func (h messageHead) isRequest() bool { return h.request }

// name labels the message in logs.
func (h messageHead) name() string {
	if h.batch > 0 {
		return fmt.Sprintf("batch[%d]", h.batch)
	}
	return h.Method
}

// parseMessage checks that raw is JSON and extracts its routing fields. An
// array is a batch. Values that are neither objects nor arrays carry no id
// and are forwarded like notifications.
func parseMessage(raw []byte) (messageHead, error) {
	var head messageHead
	if !json.Valid(raw) {
		var v json.RawMessage
		err := json.Unmarshal(raw, &v)
		return head, fmt.Errorf("invalid JSON: %w", err)
	}
	switch trimmed := bytes.TrimSpace(raw); trimmed[0] {
	case '{':
		// A mistyped field leaves the rest decoded.
		_ = json.Unmarshal(trimmed, &head)
		head.request = len(head.ID) > 0 && string(head.ID) != "null"
	case '[':
		var elems []json.RawMessage
		_ = json.Unmarshal(trimmed, &elems)
		head.batch = len(elems)
		head.request = correlator.IsRequest(trimmed)
	}
	return head, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, correlator.ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		metrics.RecordRequest(metrics.TransportHTTP, metrics.OutcomeError, 0)
		writeRPCError(w, nil, err.Error())
		return
	}
	head, err := parseMessage(body)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("rejecting message")
		metrics.RecordRequest(metrics.TransportHTTP, metrics.OutcomeError, 0)
		writeRPCError(w, nil, err.Error())
		return
	}
	logx.Log.Info().Str("method", head.name()).Str("transport", metrics.TransportHTTP).Msg("request")

	if !head.isRequest() {
		if err := s.backend.Notify(r.Context(), body); err != nil {
			logx.Log.Error().Err(err).Str("method", head.name()).Msg("forward notification")
			metrics.RecordRequest(metrics.TransportHTTP, metrics.OutcomeError, 0)
			writeRPCError(w, nil, err.Error())
			return
		}
		metrics.RecordRequest(metrics.TransportHTTP, metrics.OutcomeNotify, 0)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	start := time.Now()
	done := metrics.RequestStarted()
	resp, err := s.backend.Send(r.Context(), body)
	done()
	metrics.RecordRequest(metrics.TransportHTTP, outcomeOf(err), time.Since(start))
	if err != nil {
		logx.Log.Error().Err(err).Str("method", head.name()).Msg("forward request")
		writeRPCError(w, head.ID, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}
