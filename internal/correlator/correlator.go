// Package correlator matches requests written to the child's stdin with the
// replies read back from its stdout.
//
// In ModeID every outgoing request id is replaced by a bridge-allocated
// correlation id and replies are routed by id, so any number of callers may
// be in flight. ModeFIFO is for children that do not echo ids: requests are
// sent one at a time and the next reply resolves the outstanding one.
//
// Pending records are removed on every exit path of Send: reply, timeout,
// context cancellation, write failure and child exit.
package correlator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/mcp-http-bridge/internal/framing"
	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
)

// Mode selects how replies are matched to requests.
type Mode string

const (
	ModeID   Mode = "id"
	ModeFIFO Mode = "fifo"
)

// DefaultTimeout bounds a single Send.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when no reply arrives within the timeout.
	ErrTimeout = errors.New("request timeout")
	// ErrClosed is returned once the child's output stream has ended.
	ErrClosed = errors.New("child process exited")
	// ErrNotRequest is returned by Send for messages without an id.
	ErrNotRequest = errors.New("message has no id")
	// ErrNotObject is returned for messages that are neither objects nor batches.
	ErrNotObject = errors.New("message is not a JSON object")
)

// Option configures a Correlator.
type Option func(*Correlator)

// WithMode selects the correlation mode. Unknown values fall back to ModeID.
func WithMode(m Mode) Option {
	return func(c *Correlator) {
		if m == ModeFIFO {
			c.mode = ModeFIFO
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUnsolicited registers a handler for child messages that are not
// replies to a pending request: notifications, child-initiated requests and
// responses nobody is waiting for. It runs on the dispatch goroutine.
func WithUnsolicited(fn func(json.RawMessage)) Option {
	return func(c *Correlator) { c.onUnsolicited = fn }
}

// WithInvalidFrame registers a handler for child output lines that are not JSON.
func WithInvalidFrame(fn func(line []byte, err error)) Option {
	return func(c *Correlator) { c.onInvalid = fn }
}

// Correlator serializes writes to the child and routes its replies.
type Correlator struct {
	w       io.Writer
	mode    Mode
	timeout time.Duration
	ids     *IDMapper

	onUnsolicited func(json.RawMessage)
	onInvalid     func([]byte, error)

	writeSem chan struct{}
	turn     chan struct{}

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	fifo     chan json.RawMessage
	closed   bool
	closeErr error
	done     chan struct{}
}

// New returns a Correlator writing requests to w. Run must be started with a
// reader over the child's stdout.
func New(w io.Writer, opts ...Option) *Correlator {
	c := &Correlator{
		w:        w,
		mode:     ModeID,
		timeout:  DefaultTimeout,
		ids:      NewIDMapper("mcpb-"),
		writeSem: make(chan struct{}, 1),
		turn:     make(chan struct{}, 1),
		pending:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mode returns the active correlation mode.
func (c *Correlator) Mode() Mode { return c.mode }

// Pending reports the number of requests waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	if c.fifo != nil {
		n++
	}
	return n
}

// Done is closed when Run returns.
func (c *Correlator) Done() <-chan struct{} { return c.done }

// Send writes msg to the child and waits for its reply. The reply carries the
// caller's original id. A JSON array is sent as a batch and answered with the
// array of replies to its requests.
func (c *Correlator) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	batch := isArray(msg)
	var id json.RawMessage
	if batch {
		if !IsRequest(msg) {
			return nil, ErrNotRequest
		}
	} else {
		env, err := parseObject(msg)
		if err != nil {
			return nil, err
		}
		var ok bool
		if id, ok = env["id"]; !ok || isNull(id) {
			return nil, ErrNotRequest
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	switch {
	case c.mode == ModeFIFO:
		return c.sendFIFO(ctx, msg)
	case batch:
		return c.sendBatch(ctx, msg)
	}
	return c.sendByID(ctx, msg, id)
}

func (c *Correlator) sendByID(ctx context.Context, msg, origID json.RawMessage) (json.RawMessage, error) {
	corrID, ch, err := c.register(origID)
	if err != nil {
		return nil, err
	}
	defer c.unregister(corrID)

	out, err := spliceID(msg, corrIDJSON(corrID))
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, out); err != nil {
		return nil, err
	}
	resp, err := c.wait(ctx, ch)
	if err != nil {
		return nil, err
	}
	return c.restore(corrID, resp)
}

func (c *Correlator) sendBatch(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(msg, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	type slot struct {
		corrID string
		ch     chan json.RawMessage
	}
	var waiting []slot
	out := make([]json.RawMessage, len(elems))
	for i, e := range elems {
		out[i] = e
		id, ok := requestID(e)
		if !ok {
			continue
		}
		corrID, ch, err := c.register(id)
		if err != nil {
			return nil, err
		}
		defer c.unregister(corrID)
		if out[i], err = spliceID(e, corrIDJSON(corrID)); err != nil {
			return nil, err
		}
		waiting = append(waiting, slot{corrID: corrID, ch: ch})
	}
	if err := c.write(ctx, joinArray(out)); err != nil {
		return nil, err
	}
	replies := make([]json.RawMessage, 0, len(waiting))
	for _, s := range waiting {
		resp, err := c.wait(ctx, s.ch)
		if err != nil {
			return nil, err
		}
		r, err := c.restore(s.corrID, resp)
		if err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	return joinArray(replies), nil
}

// register allocates a correlation id for origID and records a pending reply
// channel under it.
func (c *Correlator) register(origID json.RawMessage) (string, chan json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, c.closeErr
	}
	corrID := c.ids.Alloc(origID)
	ch := make(chan json.RawMessage, 1)
	c.pending[corrID] = ch
	return corrID, ch, nil
}

func (c *Correlator) unregister(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
	c.ids.Resolve(corrID)
}

// restore puts the caller's id recorded under corrID back into resp.
func (c *Correlator) restore(corrID string, resp json.RawMessage) (json.RawMessage, error) {
	origID, ok := c.ids.Resolve(corrID)
	if !ok {
		return nil, fmt.Errorf("no caller id recorded for %s", corrID)
	}
	return spliceID(resp, origID)
}

func (c *Correlator) sendFIFO(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	select {
	case c.turn <- struct{}{}:
		defer func() { <-c.turn }()
	case <-ctx.Done():
		return nil, waitErr(ctx)
	case <-c.done:
		return nil, c.closeErr
	}

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.fifo = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.fifo == ch {
			c.fifo = nil
		}
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return nil, err
	}
	return c.wait(ctx, ch)
}

func (c *Correlator) wait(ctx context.Context, ch chan json.RawMessage) (json.RawMessage, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		// The reply may have landed just before the deadline.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, waitErr(ctx)
	case <-c.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, c.closeErr
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Notify writes a message that expects no reply. The write is bounded by the
// request timeout.
func (c *Correlator) Notify(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.write(ctx, msg)
}

// write sends one line to the child. Writers take turns through writeSem and
// give up when ctx ends, so a child that stops reading stdin cannot hold a
// caller past its deadline. An abandoned write keeps the turn until it
// completes or the pipe is closed, which keeps lines whole.
func (c *Correlator) write(ctx context.Context, msg json.RawMessage) error {
	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return waitErr(ctx)
	case <-c.done:
		return c.closeErr
	}
	errc := make(chan error, 1)
	go func() {
		defer func() { <-c.writeSem }()
		errc <- framing.Write(c.w, msg)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("write to child: %w", err)
		}
		return nil
	case <-ctx.Done():
		logx.Log.Warn().Int("bytes", len(msg)).Msg("child is not reading stdin")
		return waitErr(ctx)
	}
}

// Run dispatches child output until the stream ends, then fails every
// pending request with ErrClosed. It must be called exactly once.
func (c *Correlator) Run(r *framing.Reader) error {
	var runErr error
	defer func() { c.close(runErr) }()
	for {
		msg, err := r.Next()
		if err != nil {
			if errors.Is(err, framing.ErrInvalidFrame) {
				var fe *framing.FrameError
				if errors.As(err, &fe) && c.onInvalid != nil {
					c.onInvalid(fe.Line, fe.Err)
				}
				logx.Log.Warn().Err(err).Msg("skipping child output")
				continue
			}
			if !errors.Is(err, io.EOF) {
				runErr = err
			}
			return runErr
		}
		c.dispatch(msg)
	}
}

func (c *Correlator) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = ErrClosed
	if err != nil {
		c.closeErr = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	close(c.done)
}

// dispatch routes one child frame. An array frame is a batch reply: in
// ModeFIFO it resolves the outstanding request whole, otherwise each element
// is routed on its own.
func (c *Correlator) dispatch(msg json.RawMessage) {
	if !isArray(msg) {
		c.dispatchOne(msg)
		return
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(msg, &elems); err != nil {
		c.unsolicited(msg)
		return
	}
	if c.mode == ModeFIFO {
		for _, e := range elems {
			if isResponse(e) {
				c.deliver(json.RawMessage("null"), msg)
				return
			}
		}
		c.unsolicited(msg)
		return
	}
	for _, e := range elems {
		c.dispatchOne(e)
	}
}

// dispatchOne routes a single message. Responses carry an id and no method.
func (c *Correlator) dispatchOne(msg json.RawMessage) {
	head, ok := responseHead(msg)
	if !ok {
		c.unsolicited(msg)
		return
	}
	c.deliver(head.ID, msg)
}

// deliver hands msg to the request waiting on id, or to the ModeFIFO turn.
func (c *Correlator) deliver(id, msg json.RawMessage) {
	var ch chan json.RawMessage
	c.mu.Lock()
	if c.mode == ModeFIFO {
		ch, c.fifo = c.fifo, nil
	} else {
		var corrID string
		if json.Unmarshal(id, &corrID) == nil {
			ch = c.pending[corrID]
			delete(c.pending, corrID)
		}
	}
	c.mu.Unlock()
	if ch == nil {
		logx.Log.Debug().RawJSON("id", id).Msg("dropping reply with no pending request")
		c.unsolicited(msg)
		return
	}
	ch <- msg
}

func (c *Correlator) unsolicited(msg json.RawMessage) {
	if c.onUnsolicited != nil {
		c.onUnsolicited(msg)
	}
}

type messageHead struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func responseHead(msg json.RawMessage) (messageHead, bool) {
	var head messageHead
	if err := json.Unmarshal(msg, &head); err != nil || head.Method != "" || head.ID == nil {
		return head, false
	}
	return head, true
}

func isResponse(msg json.RawMessage) bool {
	_, ok := responseHead(msg)
	return ok
}

func parseObject(msg json.RawMessage) (map[string]json.RawMessage, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if env == nil {
		return nil, ErrNotObject
	}
	return env, nil
}

// requestID returns the id of msg when it is an object with a non-null id.
func requestID(msg json.RawMessage) (json.RawMessage, bool) {
	env, err := parseObject(msg)
	if err != nil {
		return nil, false
	}
	id, ok := env["id"]
	return id, ok && !isNull(id)
}

// spliceID replaces the value of the top-level "id" member of obj and keeps
// every other byte, so key order and escaping survive the round trip.
func spliceID(obj, id json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}
	start, end := -1, -1
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		// The last "id" wins, as it does for json.Unmarshal.
		if key, _ := tok.(string); key == "id" {
			end = int(dec.InputOffset())
			start = end - len(v)
		}
	}
	if start < 0 {
		return nil, ErrNotRequest
	}
	out := make(json.RawMessage, 0, len(obj)-(end-start)+len(id))
	out = append(out, obj[:start]...)
	out = append(out, id...)
	return append(out, obj[end:]...), nil
}

func corrIDJSON(corrID string) json.RawMessage {
	b, _ := json.Marshal(corrID)
	return b
}

func joinArray(elems []json.RawMessage) json.RawMessage {
	out := []byte{'['}
	for i, e := range elems {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, e...)
	}
	return append(out, ']')
}

func isArray(msg json.RawMessage) bool {
	b := bytes.TrimLeft(msg, " \t\r\n")
	return len(b) > 0 && b[0] == '['
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

// IsRequest reports whether msg expects a reply: an object carrying a
// non-null id, or a batch holding at least one such object.
func IsRequest(msg json.RawMessage) bool {
	if !isArray(msg) {
		_, ok := requestID(msg)
		return ok
	}
	var elems []json.RawMessage
	if json.Unmarshal(msg, &elems) != nil {
		return false
	}
	for _, e := range elems {
		if _, ok := requestID(e); ok {
			return true
		}
	}
	return false
}
