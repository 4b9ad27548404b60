package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gaspardpetit/mcp-http-bridge/internal/bridge"
)

type fakeBackend struct {
	send   func(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)
	notify func(msg json.RawMessage) error
	status bridge.Status

	mu       sync.Mutex
	notified []json.RawMessage
	subs     map[chan json.RawMessage]struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{subs: map[chan json.RawMessage]struct{}{}}
}

// echoReply answers with a result naming the request's method.
func echoReply(msg json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`, req.ID, req.Method)), nil
}

func (f *fakeBackend) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	if f.send != nil {
		return f.send(ctx, msg)
	}
	return echoReply(msg)
}

func (f *fakeBackend) Notify(ctx context.Context, msg json.RawMessage) error {
	f.mu.Lock()
	f.notified = append(f.notified, msg)
	f.mu.Unlock()
	if f.notify != nil {
		return f.notify(msg)
	}
	return nil
}

func (f *fakeBackend) Notified() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.notified...)
}

func (f *fakeBackend) Subscribe() (<-chan json.RawMessage, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan json.RawMessage, 8)
	f.subs[ch] = struct{}{}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, ch)
	}
}

func (f *fakeBackend) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeBackend) Publish(msg json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		ch <- msg
	}
}

func (f *fakeBackend) Status() bridge.Status { return f.status }
