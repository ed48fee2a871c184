package relay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
)

type sessionHarness struct {
	session     *Session
	transcriber *fakeTranscriber
	sink        *fakeSink
}

func startSession(t *testing.T, transcriber *fakeTranscriber, config Config) *sessionHarness {
	t.Helper()
	sink := &fakeSink{}
	session := NewSession("session-1", "device-1", sink, transcriber, config, zaptest.NewLogger(t), newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)

	t.Cleanup(func() {
		session.OnDisconnect()
		select {
		case <-session.Done():
		case <-time.After(2 * time.Second):
			t.Error("Session did not shut down")
		}
		cancel()
	})

	return &sessionHarness{session: session, transcriber: transcriber, sink: sink}
}

func testConfig() Config {
	config := DefaultConfig()
	config.IdleFlush = 0
	config.Instructions = "Transcribe the audio"
	return config
}

func (h *sessionHarness) waitReady(t *testing.T) {
	t.Helper()
	h.transcriber.fireReady(t)
	waitFor(t, "upstream ready", func() bool { return h.session.Readiness() == ReadinessReady })
}

// waitDrained blocks until every event posted so far has been handled
func (h *sessionHarness) waitDrained(t *testing.T) {
	t.Helper()
	waitFor(t, "inbox drained", func() bool { return len(h.session.inbox) == 0 })
	// One more no-op round trip through the loop
	h.session.OnControlSignal("noop")
	waitFor(t, "inbox drained", func() bool { return len(h.session.inbox) == 0 })
}

func TestSession_SendsConnectionAck(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())

	waitFor(t, "connection.ack", func() bool { return len(h.sink.ByType(MessageTypeConnectionAck)) == 1 })
	ack := h.sink.ByType(MessageTypeConnectionAck)[0]
	if ack["session_id"] != "session-1" {
		t.Errorf("Expected session id in ack, got %v", ack["session_id"])
	}
	if ack["provider"] != "fake" {
		t.Errorf("Expected provider in ack, got %v", ack["provider"])
	}
}

func TestSession_ScenarioStartChunksStop(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())
	h.waitReady(t)

	var want []byte
	h.session.OnControlSignal("STREAM_STARTED")
	for i := 0; i < 3; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, 1024)
		want = append(want, chunk...)
		h.session.OnAudioChunk(chunk)
	}
	h.session.OnControlSignal("STREAM_STOPPED")

	conn := h.transcriber.conn
	waitFor(t, "result request", func() bool { return conn.Count("result") == 1 })

	calls := conn.Calls()
	wantCalls := []string{"audio:3072", "commit", "result"}
	if len(calls) != len(wantCalls) {
		t.Fatalf("Expected calls %v, got %v", wantCalls, calls)
	}
	for i := range wantCalls {
		if calls[i] != wantCalls[i] {
			t.Errorf("Call %d: expected %s, got %s", i, wantCalls[i], calls[i])
		}
	}
	if !bytes.Equal(conn.Audio(), want) {
		t.Error("Forwarded audio does not preserve chunk order")
	}
	if instructions := <-conn.requestSeen; instructions != "Transcribe the audio" {
		t.Errorf("Expected configured instructions, got %q", instructions)
	}

	waitFor(t, "stream.stopped", func() bool { return len(h.sink.ByType(MessageTypeStreamStopped)) == 1 })
	if h.session.State() != StreamIdle {
		t.Errorf("Expected idle after stop, got %s", h.session.State())
	}
}

func TestSession_ScenarioStopWithoutAudio(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())
	h.waitReady(t)

	h.session.OnControlSignal("STREAM_STARTED")
	h.session.OnControlSignal("STREAM_STOPPED")

	waitFor(t, "no_audio warning", func() bool { return len(h.sink.ByType(MessageTypeWarning)) == 1 })
	warning := h.sink.ByType(MessageTypeWarning)[0]
	if warning["code"] != WarningNoAudio {
		t.Errorf("Expected %s warning, got %v", WarningNoAudio, warning["code"])
	}

	conn := h.transcriber.conn
	if conn.AudioCalls() != 0 || conn.Count("commit") != 0 || conn.Count("result") != 0 {
		t.Errorf("Expected no provider calls, got %v", conn.Calls())
	}
}

func TestSession_ScenarioAudioBeforeStart(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())
	h.waitReady(t)

	for i := 0; i < 5; i++ {
		h.session.OnAudioChunk(make([]byte, 20000))
	}
	h.waitDrained(t)

	if h.session.buffer.Size() != 0 {
		t.Errorf("Expected nothing buffered, got %d bytes", h.session.buffer.Size())
	}
	if n := h.transcriber.conn.AudioCalls(); n != 0 {
		t.Errorf("Expected no audio forwarded, got %d calls", n)
	}

	// One warning per idle period, the rest are only logged
	warnings := h.sink.ByType(MessageTypeWarning)
	if len(warnings) != 1 {
		t.Fatalf("Expected exactly one rejection warning, got %d", len(warnings))
	}
	if warnings[0]["code"] != WarningAudioRejected {
		t.Errorf("Expected %s warning, got %v", WarningAudioRejected, warnings[0]["code"])
	}
}

func TestSession_ScenarioDisconnectMidStream(t *testing.T) {
	transcriber := newFakeTranscriber()
	sink := &fakeSink{}
	session := NewSession("session-2", "device-1", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics())
	go session.Run(context.Background())

	h := &sessionHarness{session: session, transcriber: transcriber, sink: sink}
	h.waitReady(t)

	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 4000))
	session.OnAudioChunk(make([]byte, 4000))
	session.OnDisconnect()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not tear down after disconnect")
	}

	want := []string{"audio:8000", "commit", "close"}
	calls := transcriber.conn.Calls()
	if len(calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}

	if session.State() != StreamIdle {
		t.Errorf("Expected idle after disconnect, got %s", session.State())
	}
	if r := session.Readiness(); !r.Terminal() {
		t.Errorf("Expected terminal readiness after disconnect, got %s", r)
	}
}

func TestSession_ScenarioChunksWhileConnecting(t *testing.T) {
	config := testConfig()
	config.MinSendBytes = 1000
	h := startSession(t, newFakeTranscriber(), config)

	var want []byte
	h.session.OnControlSignal("STREAM_STARTED")
	for i := 0; i < 4; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 10)}, 1200)
		want = append(want, chunk...)
		h.session.OnAudioChunk(chunk)
	}
	h.waitDrained(t)

	conn := h.transcriber.conn
	if n := conn.AudioCalls(); n != 0 {
		t.Fatalf("Expected no audio before ready, got %d calls", n)
	}
	if pending := h.session.upstream.PendingBytes(); pending != len(want) {
		t.Fatalf("Expected %d pending bytes, got %d", len(want), pending)
	}

	h.waitReady(t)
	waitFor(t, "queued audio replayed", func() bool { return len(conn.Audio()) == len(want) })

	if !bytes.Equal(conn.Audio(), want) {
		t.Error("Replayed audio lost, duplicated or reordered chunks")
	}
	if conn.EarlySends() != 0 {
		t.Errorf("Expected no sends before ready, got %d", conn.EarlySends())
	}
}

func TestSession_StopWhileConnectingCommitsAfterReady(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())

	h.session.OnControlSignal("STREAM STARTED")
	h.session.OnAudioChunk(make([]byte, 512))
	h.session.OnControlSignal("stop")
	h.waitDrained(t)

	conn := h.transcriber.conn
	if len(conn.Calls()) != 0 {
		t.Fatalf("Expected nothing sent before ready, got %v", conn.Calls())
	}

	h.waitReady(t)
	waitFor(t, "replayed commit", func() bool { return conn.Count("result") == 1 })

	want := []string{"audio:512", "commit", "result"}
	calls := conn.Calls()
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestSession_DisconnectBeforeReadyDiscards(t *testing.T) {
	transcriber := newFakeTranscriber()
	sink := &fakeSink{}
	session := NewSession("session-3", "", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics())
	go session.Run(context.Background())

	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 20000))
	session.OnAudioChunk(make([]byte, 100))
	session.OnDisconnect()
	<-session.Done()

	if n := transcriber.conn.AudioCalls(); n != 0 {
		t.Errorf("Expected no audio forwarded, got %d calls", n)
	}
	if session.upstream.PendingBytes() != 0 {
		t.Errorf("Expected pending queue discarded, got %d bytes", session.upstream.PendingBytes())
	}
	if !session.Readiness().Terminal() {
		t.Errorf("Expected terminal readiness, got %s", session.Readiness())
	}
}

func TestSession_IdleFlush(t *testing.T) {
	config := testConfig()
	config.IdleFlush = 50 * time.Millisecond
	h := startSession(t, newFakeTranscriber(), config)
	h.waitReady(t)

	h.session.OnControlSignal("STREAM_STARTED")
	h.session.OnAudioChunk(make([]byte, 2048))

	conn := h.transcriber.conn
	waitFor(t, "idle commit", func() bool { return conn.Count("result") == 1 })

	if conn.Count("commit") != 1 {
		t.Errorf("Expected one commit, got %v", conn.Calls())
	}
	if h.session.State() != StreamStreaming {
		t.Errorf("Idle flush must keep the stream open, got %s", h.session.State())
	}

	// Timer fires once per idle period
	time.Sleep(150 * time.Millisecond)
	if conn.Count("commit") != 1 {
		t.Errorf("Expected no further commits without new audio, got %v", conn.Calls())
	}

	h.session.OnAudioChunk(make([]byte, 1024))
	waitFor(t, "second idle commit", func() bool { return conn.Count("commit") == 2 })
}

func TestSession_ForwardsResultsAndStoresTranscript(t *testing.T) {
	transcriber := newFakeTranscriber()
	transcriber.conn.resultText = "hello world"
	store := &recordingStore{}

	config := testConfig()
	sink := &fakeSink{}
	session := NewSession("session-4", "device-9", sink, transcriber, config, zaptest.NewLogger(t), newTestMetrics()).
		WithTranscriptStore(store, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	h := &sessionHarness{session: session, transcriber: transcriber, sink: sink}
	h.waitReady(t)

	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 4800))
	session.OnControlSignal("STREAM_STOPPED")

	waitFor(t, "transcript", func() bool { return len(sink.ByType(MessageTypeTranscript)) == 1 })
	msg := sink.ByType(MessageTypeTranscript)[0]
	if msg["text"] != "hello world" || msg["final"] != true {
		t.Errorf("Unexpected transcript message %v", msg)
	}
	if len(sink.ByType(MessageTypeTranscriptDelta)) != 1 {
		t.Error("Expected the partial delta to be forwarded")
	}

	waitFor(t, "stored transcript", func() bool { return store.count() == 1 })
	stored := store.first()
	if stored.DeviceID != "device-9" || stored.RelaySessionID != "session-4" {
		t.Errorf("Unexpected transcript ownership %+v", stored)
	}
	// 4800 bytes of 24 kHz PCM16
	if stored.AudioBytes != 4800 || stored.DurationMs != 100 {
		t.Errorf("Expected 4800 bytes / 100 ms, got %d / %d", stored.AudioBytes, stored.DurationMs)
	}
	waitFor(t, "published transcript", func() bool { return store.publishedCount() == 1 })
}

func TestSession_FailedRequestDoesNotShiftAudioLength(t *testing.T) {
	transcriber := newFakeTranscriber()
	transcriber.conn.resultText = "second utterance"
	transcriber.conn.requestErr = errors.New("write: broken pipe")
	store := &recordingStore{}
	sink := &fakeSink{}
	session := NewSession("session-6", "device-1", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics()).
		WithTranscriptStore(store, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	h := &sessionHarness{session: session, transcriber: transcriber, sink: sink}
	h.waitReady(t)

	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 9600))
	session.OnControlSignal("STREAM_STOPPED")
	waitFor(t, "request error", func() bool { return len(sink.ByType(MessageTypeError)) == 1 })

	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 2400))
	session.OnControlSignal("STREAM_STOPPED")

	waitFor(t, "stored transcript", func() bool { return store.count() == 1 })
	if got := store.first().AudioBytes; got != 2400 {
		t.Errorf("Expected the second utterance's 2400 bytes, got %d", got)
	}
}

func TestSession_ProviderErrorDropsPendingResult(t *testing.T) {
	transcriber := newFakeTranscriber()
	store := &recordingStore{}
	sink := &fakeSink{}
	session := NewSession("session-7", "device-1", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics()).
		WithTranscriptStore(store, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	h := &sessionHarness{session: session, transcriber: transcriber, sink: sink}
	h.waitReady(t)

	// The provider answers the first commit with an error instead of a result
	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 9600))
	session.OnControlSignal("STREAM_STOPPED")
	waitFor(t, "first request", func() bool { return transcriber.conn.Count("result") == 1 })
	transcriber.Handler().OnError(&domain.UpstreamProtocolError{Provider: "fake", Code: "server_error", Message: "response failed"})
	waitFor(t, "provider error", func() bool { return len(sink.ByType(MessageTypeError)) == 1 })

	transcriber.conn.setResultText("after the error")
	session.OnControlSignal("STREAM_STARTED")
	session.OnAudioChunk(make([]byte, 2400))
	session.OnControlSignal("STREAM_STOPPED")

	waitFor(t, "stored transcript", func() bool { return store.count() == 1 })
	if got := store.first().AudioBytes; got != 2400 {
		t.Errorf("Expected the second utterance's 2400 bytes, got %d", got)
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"short", errors.New("upstream closed")},
		{"ascii", errors.New(strings.Repeat("x", 200))},
		{"cyrillic", errors.New("yandex: " + strings.Repeat("ошибка распознавания ", 10))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := closeReason(tt.err)
			if len(reason) > 120 {
				t.Errorf("Reason is %d bytes", len(reason))
			}
			if !utf8.ValidString(reason) {
				t.Errorf("Reason is not valid UTF-8: %q", reason)
			}
			if !strings.HasPrefix(tt.err.Error(), reason) || reason == "" {
				t.Errorf("Expected a prefix of the error, got %q", reason)
			}
		})
	}
}

func TestSession_ProviderErrorKeepsSession(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())
	h.waitReady(t)

	h.transcriber.Handler().OnError(&domain.UpstreamProtocolError{Provider: "fake", Code: "invalid_value", Message: "bad audio"})

	waitFor(t, "error message", func() bool { return len(h.sink.ByType(MessageTypeError)) == 1 })
	msg := h.sink.ByType(MessageTypeError)[0]
	if msg["error"] == "" {
		t.Error("Expected error text in message")
	}

	select {
	case <-h.session.Done():
		t.Fatal("Provider error must not end the session")
	default:
	}
	if closed, _ := h.sink.Closed(); closed {
		t.Error("Provider error must not close the device")
	}
}

func TestSession_OpenFailureClosesDevice(t *testing.T) {
	transcriber := newFakeTranscriber()
	transcriber.connectErr = &domain.SessionCreateError{Provider: "fake", StatusCode: 401, Body: "invalid api key"}
	sink := &fakeSink{}
	session := NewSession("session-5", "", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics())
	go session.Run(context.Background())

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session should end after open failure")
	}

	errs := sink.ByType(MessageTypeError)
	if len(errs) != 1 {
		t.Fatalf("Expected one error message, got %d", len(errs))
	}
	if errs[0]["code"] != "session_create_failed" {
		t.Errorf("Unexpected error code %v", errs[0]["code"])
	}
	closed, reason := sink.Closed()
	if !closed || reason == "" {
		t.Errorf("Expected device closed with a reason, got closed=%v reason=%q", closed, reason)
	}
	if session.Readiness() != ReadinessFailed {
		t.Errorf("Expected failed readiness, got %s", session.Readiness())
	}
}

func TestSession_UpstreamClosedEndsSession(t *testing.T) {
	h := startSession(t, newFakeTranscriber(), testConfig())
	h.waitReady(t)

	h.transcriber.Handler().OnClosed(errors.New("connection reset by peer"))

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session should end when the upstream fails")
	}
	if closed, _ := h.sink.Closed(); !closed {
		t.Error("Expected device connection closed")
	}
	if h.session.Readiness() != ReadinessFailed {
		t.Errorf("Expected failed readiness, got %s", h.session.Readiness())
	}
}

func TestSession_PendingOverflowWarns(t *testing.T) {
	config := testConfig()
	config.MinSendBytes = 0
	config.Upstream.MaxPendingBytes = 1000
	h := startSession(t, newFakeTranscriber(), config)

	h.session.OnControlSignal("STREAM_STARTED")
	h.session.OnAudioChunk(make([]byte, 600))
	h.session.OnAudioChunk(make([]byte, 600))
	h.waitDrained(t)

	warnings := h.sink.ByType(MessageTypeWarning)
	if len(warnings) != 1 || warnings[0]["code"] != WarningPendingOverflow {
		t.Fatalf("Expected one pending overflow warning, got %v", warnings)
	}
	if h.session.upstream.PendingBytes() != 600 {
		t.Errorf("Expected the first chunk to stay queued, got %d bytes", h.session.upstream.PendingBytes())
	}
}

func TestSession_ShutdownOnContextCancel(t *testing.T) {
	transcriber := newFakeTranscriber()
	sink := &fakeSink{}
	session := NewSession("session-6", "", sink, transcriber, testConfig(), zaptest.NewLogger(t), newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)
	h := &sessionHarness{session: session, transcriber: transcriber, sink: sink}
	h.waitReady(t)

	cancel()
	<-session.Done()

	if closed, reason := sink.Closed(); !closed || reason != CloseReasonShutdown {
		t.Errorf("Expected shutdown close, got closed=%v reason=%q", closed, reason)
	}
	if transcriber.conn.Count("close") != 1 {
		t.Errorf("Expected upstream closed once, got %v", transcriber.conn.Calls())
	}
}

// recordingStore implements both the transcript repository and publisher
type recordingStore struct {
	mu        sync.Mutex
	created   []*entities.Transcript
	published []*entities.Transcript
}

func (r *recordingStore) Create(ctx context.Context, transcript *entities.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, transcript)
	return nil
}

func (r *recordingStore) GetByID(ctx context.Context, id string) (*entities.Transcript, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingStore) ListByDeviceID(ctx context.Context, deviceID string, limit int) ([]*entities.Transcript, error) {
	return nil, nil
}

func (r *recordingStore) ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error) {
	return nil, nil
}

func (r *recordingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *recordingStore) Publish(ctx context.Context, transcript *entities.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, transcript)
	return nil
}

func (r *recordingStore) Close() error { return nil }

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func (r *recordingStore) publishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *recordingStore) first() *entities.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created[0]
}
