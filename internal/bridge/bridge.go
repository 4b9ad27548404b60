// Package bridge ties the child process, the framer and the correlator into
// the backend served over HTTP.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gaspardpetit/mcp-http-bridge/internal/child"
	"github.com/gaspardpetit/mcp-http-bridge/internal/config"
	"github.com/gaspardpetit/mcp-http-bridge/internal/correlator"
	"github.com/gaspardpetit/mcp-http-bridge/internal/framing"
	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
)

// ErrNotRunning is returned when no child is available to forward to.
var ErrNotRunning = errors.New("child process not running")

const subscriberBuffer = 64

// Status describes the child and the requests in flight.
type Status struct {
	child.Stats
	Pending     int    `json:"pending"`
	Correlation string `json:"correlation"`
	Command     string `json:"command"`
	Error       string `json:"error,omitempty"`
}

// Bridge owns one child process for its whole lifetime.
type Bridge struct {
	cfg config.BridgeConfig
	hub *Hub

	mu       sync.Mutex
	proc     *child.Process
	corr     *correlator.Correlator
	runDone  chan struct{}
	startErr error
}

// New returns an unstarted bridge.
func New(cfg config.BridgeConfig) *Bridge {
	return &Bridge{cfg: cfg, hub: NewHub(subscriberBuffer)}
}

// Start launches the child and its dispatch loop. A child that fails to
// launch is logged and leaves the bridge degraded: Start still returns nil
// so the HTTP surface can come up and report the failure.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil {
		return child.ErrAlreadyStarted
	}
	proc := child.New(child.Spec{
		Command:     b.cfg.Command,
		Args:        b.cfg.Args,
		Env:         b.cfg.Env,
		Dir:         b.cfg.Dir,
		Stderr:      b.cfg.Stderr,
		StopTimeout: b.cfg.StopTimeout,
	})
	b.proc = proc
	if err := proc.Start(ctx); err != nil {
		b.startErr = err
		metrics.SetChildUp(false)
		logx.Log.Error().Err(err).Str("command", b.cfg.Command).Msg("child process failed to start")
		return nil
	}

	corr := correlator.New(proc.Stdin(),
		correlator.WithMode(correlator.Mode(b.cfg.Correlation)),
		correlator.WithTimeout(b.cfg.RequestTimeout),
		correlator.WithUnsolicited(b.unsolicited),
		correlator.WithInvalidFrame(func([]byte, error) { metrics.RecordInvalidFrame() }),
	)
	b.corr = corr
	b.runDone = make(chan struct{})
	metrics.SetChildUp(true)

	reader := framing.NewReader(proc.Stdout(), b.cfg.MaxFrameBytes)
	go func(done chan struct{}) {
		defer close(done)
		if err := corr.Run(reader); err != nil && !errors.Is(err, os.ErrClosed) {
			logx.Log.Warn().Err(err).Msg("child output stream failed")
		}
		metrics.SetChildUp(false)
	}(b.runDone)
	return nil
}

func (b *Bridge) unsolicited(msg json.RawMessage) {
	metrics.RecordUnsolicited()
	if !b.cfg.ForwardNotifications {
		logx.Log.Debug().RawJSON("message", msg).Msg("dropping unsolicited child message")
		return
	}
	n := b.hub.Broadcast(msg)
	logx.Log.Debug().Int("subscribers", n).Msg("forwarded unsolicited child message")
}

func (b *Bridge) active() (*correlator.Correlator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.corr != nil {
		return b.corr, nil
	}
	if b.startErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, b.startErr)
	}
	return nil, ErrNotRunning
}

// Send forwards a request and returns the child's reply.
func (b *Bridge) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	c, err := b.active()
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, msg)
}

// Notify forwards a message that expects no reply.
func (b *Bridge) Notify(ctx context.Context, msg json.RawMessage) error {
	c, err := b.active()
	if err != nil {
		return err
	}
	return c.Notify(ctx, msg)
}

// Subscribe returns a stream of unsolicited child messages. Nothing is
// delivered unless notification forwarding is enabled.
func (b *Bridge) Subscribe() (<-chan json.RawMessage, func()) {
	return b.hub.Subscribe()
}

// Status reports the current child state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	proc, corr, startErr := b.proc, b.corr, b.startErr
	b.mu.Unlock()
	st := Status{Correlation: b.cfg.Correlation, Command: b.cfg.Command}
	if st.Correlation == "" {
		st.Correlation = string(correlator.ModeID)
	}
	if proc != nil {
		st.Stats = proc.Stats()
	}
	if corr != nil {
		st.Pending = corr.Pending()
	}
	if startErr != nil {
		st.Error = startErr.Error()
	}
	return st
}

// Stop terminates the child, waits for the dispatch loop to drain and closes
// every subscriber.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	proc, runDone := b.proc, b.runDone
	b.mu.Unlock()
	defer b.hub.Close()
	if proc == nil {
		return nil
	}
	err := proc.Stop(ctx)
	if runDone != nil {
		select {
		case <-runDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
