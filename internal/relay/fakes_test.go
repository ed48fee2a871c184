package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/metrics"
)

// fakeConn records every call made by the upstream and flags audio sent
// before the provider signalled readiness.
type fakeConn struct {
	mu          sync.Mutex
	calls       []string
	audio       []byte
	earlySends  int
	closed      int
	ready       atomic.Bool
	resultText  string
	handler     repositories.UpstreamHandler
	sendErr     error
	requestErr  error // returned by the next RequestResult only
	requestSeen chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{requestSeen: make(chan string, 16)}
}

func (c *fakeConn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.ready.Load() {
		c.earlySends++
	}
	c.calls = append(c.calls, fmt.Sprintf("audio:%d", len(pcm)))
	c.audio = append(c.audio, pcm...)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "commit")
	return nil
}

func (c *fakeConn) RequestResult(ctx context.Context, instructions string) error {
	c.mu.Lock()
	c.calls = append(c.calls, "result")
	if err := c.requestErr; err != nil {
		c.requestErr = nil
		c.mu.Unlock()
		return err
	}
	text := c.resultText
	handler := c.handler
	c.mu.Unlock()

	c.requestSeen <- instructions
	if text != "" && handler != nil {
		go func() {
			handler.OnPartial(text[:1])
			handler.OnResult(text)
		}()
	}
	return nil
}

func (c *fakeConn) setResultText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultText = text
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.calls = append(c.calls, "close")
	return nil
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.audio...)
}

func (c *fakeConn) EarlySends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earlySends
}

func (c *fakeConn) Count(call string) int {
	n := 0
	for _, got := range c.Calls() {
		if got == call {
			n++
		}
	}
	return n
}

func (c *fakeConn) AudioCalls() int {
	n := 0
	for _, call := range c.Calls() {
		if len(call) > 6 && call[:6] == "audio:" {
			n++
		}
	}
	return n
}

type fakeTranscriber struct {
	mu             sync.Mutex
	conn           *fakeConn
	handler        repositories.UpstreamHandler
	connectErr     error
	readyOnConnect bool
	connected      chan struct{}
	connectDelay   time.Duration
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		conn:      newFakeConn(),
		connected: make(chan struct{}),
	}
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Connect(ctx context.Context, config repositories.AudioConfig, handler repositories.UpstreamHandler) (repositories.UpstreamConn, error) {
	if f.connectDelay > 0 {
		time.Sleep(f.connectDelay)
	}

	f.mu.Lock()
	f.handler = handler
	f.conn.mu.Lock()
	f.conn.handler = handler
	f.conn.mu.Unlock()
	f.mu.Unlock()
	defer close(f.connected)

	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.readyOnConnect {
		f.conn.ready.Store(true)
		handler.OnReady()
	}
	return f.conn, nil
}

// fireReady simulates the provider's session-ready event
func (f *fakeTranscriber) fireReady(t *testing.T) {
	t.Helper()
	select {
	case <-f.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect was never called")
	}
	f.conn.ready.Store(true)
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler.OnReady()
}

func (f *fakeTranscriber) Handler() repositories.UpstreamHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// fakeSink collects outbound device messages as generic JSON objects
type fakeSink struct {
	mu       sync.Mutex
	messages []map[string]interface{}
	closed   bool
	reason   string
}

func (s *fakeSink) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *fakeSink) ByType(t MessageType) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, msg := range s.messages {
		if msg["type"] == string(t) {
			out = append(out, msg)
		}
	}
	return out
}

func (s *fakeSink) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

// fakeListener records upstream notifications
type fakeListener struct {
	ready   atomic.Int32
	results chan string
	errors  chan error
	closed  chan error
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		results: make(chan string, 8),
		errors:  make(chan error, 8),
		closed:  make(chan error, 8),
	}
}

func (l *fakeListener) upstreamReady()               { l.ready.Add(1) }
func (l *fakeListener) upstreamPartial(delta string) {}
func (l *fakeListener) upstreamResult(text string)   { l.results <- text }
func (l *fakeListener) upstreamError(err error)      { l.errors <- err }
func (l *fakeListener) upstreamClosed(err error)     { l.closed <- err }

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
