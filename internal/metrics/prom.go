package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transports label the surface a request arrived on.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Outcomes label how a forwarded message ended.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeNotify  = "notification"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcp_bridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_bridge_requests_total",
			Help: "Messages forwarded to the child",
		},
		[]string{"transport", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_bridge_request_duration_seconds",
			Help:    "Time from forwarding a request to receiving its reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_bridge_requests_inflight",
		Help: "Requests waiting for a reply from the child",
	})

	sseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_bridge_sse_connections",
		Help: "Open SSE streams",
	})

	childUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_bridge_child_up",
		Help: "1 while the child process is running",
	})

	framesInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_bridge_frames_invalid_total",
		Help: "Child output lines that were not valid JSON",
	})

	unsolicited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_bridge_unsolicited_messages_total",
		Help: "Child messages that did not answer a pending request",
	})
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, requestDuration, inflight, sseConnections, childUp, framesInvalid, unsolicited)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest counts a forwarded message and, for requests, observes how
// long the reply took.
func RecordRequest(transport, outcome string, d time.Duration) {
	requests.WithLabelValues(transport, outcome).Inc()
	if outcome != OutcomeNotify {
		requestDuration.WithLabelValues(transport).Observe(d.Seconds())
	}
}

// RequestStarted increments the in-flight gauge; call the returned func when
// the request completes.
func RequestStarted() func() {
	inflight.Inc()
	return inflight.Dec
}

// SSEConnected tracks an open SSE stream until the returned func is called.
func SSEConnected() func() {
	sseConnections.Inc()
	return sseConnections.Dec
}

// SetChildUp records whether the child is running.
func SetChildUp(up bool) {
	if up {
		childUp.Set(1)
		return
	}
	childUp.Set(0)
}

// RecordInvalidFrame counts a non-JSON line from the child.
func RecordInvalidFrame() { framesInvalid.Inc() }

// RecordUnsolicited counts a child message nobody was waiting for.
func RecordUnsolicited() { unsolicited.Inc() }
