package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		logx.Log.Debug().Bytes("body", b).Msg("http response chunk")
	}
	return lw.ResponseWriter.Write(b)
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MiddlewareChain returns the middleware applied to every route.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
		chiMiddleware.Recoverer,
	}
}

// maxLoggedBody caps the request body logged at debug level.
const maxLoggedBody = 64 << 10

type replayBody struct {
	io.Reader
	io.Closer
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := zerolog.GlobalLevel()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		reqID := chiMiddleware.GetReqID(r.Context())
		if lvl <= zerolog.DebugLevel {
			var body []byte
			if r.Body != nil && r.Method == http.MethodPost {
				// Only a prefix is buffered; handlers still see the whole body.
				body, _ = io.ReadAll(io.LimitReader(r.Body, maxLoggedBody))
				r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(body), r.Body), Closer: r.Body}
			}
			logx.Log.Debug().Str("req_id", reqID).Str("method", r.Method).Str("url", r.URL.String()).Interface("headers", r.Header).Bytes("body", body).Msg("http request")
		}
		next.ServeHTTP(lrw, r)
		if lvl <= zerolog.DebugLevel {
			logx.Log.Debug().Str("req_id", reqID).Str("url", r.URL.String()).Int("status", lrw.status).Interface("headers", lrw.Header()).Msg("http response")
		} else if lvl <= zerolog.InfoLevel {
			logx.Log.Info().Str("req_id", reqID).Str("url", r.URL.String()).Int("status", lrw.status).Msg("http")
		}
	})
}

var corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

// corsMiddleware allows every origin unless an explicit list is configured,
// in which case go-chi/cors enforces it. OPTIONS is always answered 200.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return permissiveCORS
	}
	restricted := cors.Handler(cors.Options{
		AllowedOrigins:     origins,
		AllowedMethods:     corsMethods,
		AllowedHeaders:     []string{"Content-Type"},
		OptionsPassthrough: true,
	})
	return func(next http.Handler) http.Handler {
		return restricted(answerOptions(next))
	}
}

func permissiveCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		answerOptions(next).ServeHTTP(w, r)
	})
}

func answerOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
