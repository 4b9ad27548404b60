package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func openSSE(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSEEndpointEventAndKeepalive(t *testing.T) {
	fb := newFakeBackend()
	cfg := testConfig()
	cfg.ForwardNotifications = true
	ts := httptest.NewServer(New(cfg, fb))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, r := openSSE(t, ctx, ts.URL+"/sse")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}

	host := strings.TrimPrefix(ts.URL, "http://")
	want := fmt.Sprintf(`data: {"jsonrpc":"2.0","method":"endpoint","params":{"endpoint":"http://%s/message"}}`+"\n", host)
	if got := readLine(t, r); got != want {
		t.Fatalf("first event:\n got %q\nwant %q", got, want)
	}
	if got := readLine(t, r); got != "\n" {
		t.Fatalf("event not terminated: %q", got)
	}
	for range 2 {
		if got := readLine(t, r); got != ": keepalive\n" {
			t.Fatalf("expected keepalive, got %q", got)
		}
		if got := readLine(t, r); got != "\n" {
			t.Fatalf("keepalive not terminated: %q", got)
		}
	}

	// Disconnecting ends the handler, which releases its subscription and ticker.
	waitFor(t, "subscription", func() bool { return fb.Subscribers() == 1 })
	cancel()
	waitFor(t, "handler exit", func() bool { return fb.Subscribers() == 0 })
}

func TestSSERootAndPublicURL(t *testing.T) {
	cfg := testConfig()
	cfg.PublicURL = "https://bridge.example/"
	ts := httptest.NewServer(New(cfg, newFakeBackend()))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, r := openSSE(t, ctx, ts.URL+"/")
	line := readLine(t, r)
	var ev struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Endpoint string `json:"endpoint"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Method != "endpoint" || ev.Params.Endpoint != "https://bridge.example/message" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEForwardsNotifications(t *testing.T) {
	fb := newFakeBackend()
	cfg := testConfig()
	cfg.KeepAlive = time.Hour
	cfg.ForwardNotifications = true
	ts := httptest.NewServer(New(cfg, fb))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, r := openSSE(t, ctx, ts.URL+"/sse")
	readLine(t, r)
	readLine(t, r)
	waitFor(t, "subscription", func() bool { return fb.Subscribers() == 1 })

	fb.Publish(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if got := readLine(t, r); got != `data: {"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`+"\n" {
		t.Fatalf("unexpected event %q", got)
	}
}

func TestSSEWithoutForwardingDoesNotSubscribe(t *testing.T) {
	fb := newFakeBackend()
	ts := httptest.NewServer(New(testConfig(), fb))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, r := openSSE(t, ctx, ts.URL+"/sse")
	readLine(t, r)
	readLine(t, r)
	if got := readLine(t, r); got != ": keepalive\n" {
		t.Fatalf("expected keepalive, got %q", got)
	}
	if n := fb.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestCloseStreamsEndsSSE(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAlive = time.Hour
	srv := New(cfg, newFakeBackend())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	_, r := openSSE(t, context.Background(), ts.URL+"/sse")
	readLine(t, r)
	readLine(t, r)
	srv.CloseStreams()
	done := make(chan error, 1)
	go func() {
		_, err := r.ReadString('\n')
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected stream to end")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream still open after CloseStreams")
	}
}

func TestWebSocketOutOfOrderReplies(t *testing.T) {
	release := make(chan struct{})
	fb := newFakeBackend()
	fb.send = func(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
		if strings.Contains(string(msg), `"slow"`) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return echoReply(msg)
	}
	fb.notify = func(msg json.RawMessage) error {
		if strings.Contains(string(msg), `"release"`) {
			close(release)
		}
		return nil
	}
	ts := httptest.NewServer(New(testConfig(), fb))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	write := func(s string) {
		if err := c.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() string {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(data)
	}

	write(`{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	write(`{"jsonrpc":"2.0","id":2,"method":"fast"}`)
	if got := read(); got != `{"jsonrpc":"2.0","id":2,"result":{"method":"fast"}}` {
		t.Fatalf("expected fast reply first, got %s", got)
	}
	write(`{"jsonrpc":"2.0","method":"release"}`)
	if got := read(); got != `{"jsonrpc":"2.0","id":1,"result":{"method":"slow"}}` {
		t.Fatalf("expected slow reply, got %s", got)
	}

	write(`not json`)
	var env envelope
	if err := json.Unmarshal([]byte(read()), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Code != -32603 || !strings.Contains(env.Error.Message, "invalid JSON") {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
