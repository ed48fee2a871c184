package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/metrics"
)

const (
	// DefaultMinSendBytes is 1/3 s of 24 kHz PCM16 mono
	DefaultMinSendBytes = 16000
	DefaultIdleFlush    = 2 * time.Second
	// DefaultSampleRate matches the device firmware and the OpenAI Realtime input format
	DefaultSampleRate = 24000
	DefaultInboxSize  = 64

	persistTimeout = 5 * time.Second
	maxCloseReason = 120

	// CloseReasonShutdown is the close-frame reason used when the server stops
	CloseReasonShutdown = "server shutting down"
)

// Config holds the flush policy of a relay session
type Config struct {
	MinSendBytes int
	IdleFlush    time.Duration
	Instructions string
	Audio        repositories.AudioConfig
	Upstream     UpstreamConfig
	InboxSize    int
}

// DefaultConfig returns the relay defaults for 24 kHz PCM16 mono audio.
// Language is left to the provider's own default.
func DefaultConfig() Config {
	return Config{
		MinSendBytes: DefaultMinSendBytes,
		IdleFlush:    DefaultIdleFlush,
		Audio: repositories.AudioConfig{
			SampleRate: DefaultSampleRate,
			Encoding:   "pcm16",
		},
		Upstream: UpstreamConfig{
			MaxFrameBytes:   DefaultMaxFrameBytes,
			MaxPendingBytes: DefaultMaxPendingBytes,
		},
		InboxSize: DefaultInboxSize,
	}
}

// DeviceSink is the outbound side of a device connection
type DeviceSink interface {
	SendJSON(v interface{}) error
	// Close closes the device connection with a close-frame reason
	Close(reason string)
}

// SessionInfo is a point-in-time view of a relay session
type SessionInfo struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Provider    string    `json:"provider"`
	StreamState string    `json:"stream_state"`
	Readiness   string    `json:"readiness"`
	StartedAt   time.Time `json:"started_at"`
}

type eventKind int

const (
	evControl eventKind = iota
	evAudio
	evDisconnect
	evReady
	evPartial
	evResult
	evProviderError
	evUpstreamClosed
	evOpenFailed
)

type event struct {
	kind eventKind
	text string
	data []byte
	err  error
}

// Session coordinates one device connection with one upstream provider
// session. All state is owned by the Run goroutine; device and provider
// callbacks only post events to its inbox.
type Session struct {
	id        string
	deviceID  string
	startedAt time.Time
	config    Config
	sink      DeviceSink
	upstream  *Upstream
	buffer    *ChunkBuffer
	logger    *zap.Logger
	metrics   *metrics.Metrics

	transcripts repositories.TranscriptRepository
	publisher   repositories.TranscriptPublisher

	inbox chan event
	done  chan struct{}

	state          StreamState
	stateMirror    atomic.Int32
	rejectedWarned bool
	resultBytes    []int

	idleTimer *time.Timer
	idleArmed bool
}

// NewSession creates a relay session. Call Run to start it.
func NewSession(
	id, deviceID string,
	sink DeviceSink,
	transcriber repositories.Transcriber,
	config Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Session {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}

	s := &Session{
		id:        id,
		deviceID:  deviceID,
		startedAt: time.Now(),
		config:    config,
		sink:      sink,
		buffer:    NewChunkBuffer(),
		logger:    logger.With(zap.String("sessionID", id), zap.String("deviceID", deviceID)),
		metrics:   m,
		inbox:     make(chan event, config.InboxSize),
		done:      make(chan struct{}),
		state:     StreamIdle,
	}
	s.upstream = NewUpstream(transcriber, config.Audio, config.Upstream, s, s.logger, m)
	return s
}

// WithTranscriptStore enables transcript persistence and downstream
// publishing. Either argument may be nil.
func (s *Session) WithTranscriptStore(transcripts repositories.TranscriptRepository, publisher repositories.TranscriptPublisher) *Session {
	s.transcripts = transcripts
	s.publisher = publisher
	return s
}

// ID returns the relay session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current stream state
func (s *Session) State() StreamState {
	return StreamState(s.stateMirror.Load())
}

// Readiness returns the upstream readiness
func (s *Session) Readiness() Readiness {
	return s.upstream.Readiness()
}

// Done is closed when the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot for listings
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		DeviceID:    s.deviceID,
		Provider:    s.upstream.Provider(),
		StreamState: s.State().String(),
		Readiness:   s.Readiness().String(),
		StartedAt:   s.startedAt,
	}
}

// OnControlSignal delivers a device text frame
func (s *Session) OnControlSignal(text string) {
	s.post(event{kind: evControl, text: text})
}

// OnAudioChunk delivers a device binary frame. The session takes ownership of data.
func (s *Session) OnAudioChunk(data []byte) {
	s.post(event{kind: evAudio, data: data})
}

// OnDisconnect reports that the device connection is gone
func (s *Session) OnDisconnect() {
	s.post(event{kind: evDisconnect})
}

func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

func (s *Session) upstreamReady() {
	s.post(event{kind: evReady})
}

func (s *Session) upstreamPartial(delta string) {
	s.post(event{kind: evPartial, text: delta})
}

func (s *Session) upstreamResult(text string) {
	s.post(event{kind: evResult, text: text})
}

func (s *Session) upstreamError(err error) {
	s.post(event{kind: evProviderError, err: err})
}

func (s *Session) upstreamClosed(err error) {
	s.post(event{kind: evUpstreamClosed, err: err})
}

// Run opens the upstream session and processes events until the device
// disconnects, the upstream fails, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.done)

	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionsCreated.Inc()
	defer func() {
		s.metrics.ActiveSessions.Dec()
		s.metrics.SessionDuration.Observe(time.Since(s.startedAt).Seconds())
	}()

	s.logger.Info("Relay session started", zap.String("provider", s.upstream.Provider()))
	s.send(CreateConnectionAck(s.id, s.upstream.Provider()))

	go func() {
		if err := s.upstream.Open(ctx); err != nil {
			s.post(event{kind: evOpenFailed, err: err})
		}
	}()

	for {
		var idleC <-chan time.Time
		if s.idleArmed {
			idleC = s.idleTimer.C
		}

		select {
		case <-ctx.Done():
			s.finalFlush(context.Background())
			s.teardown()
			s.sink.Close(CloseReasonShutdown)
			return

		case ev := <-s.inbox:
			if s.handle(ctx, ev) {
				s.teardown()
				return
			}

		case <-idleC:
			s.idleArmed = false
			s.onIdle(ctx)
		}
	}
}

// handle processes one event and reports whether the session is over
func (s *Session) handle(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evControl:
		s.onControl(ctx, ev.text)

	case evAudio:
		s.onAudio(ctx, ev.data)

	case evDisconnect:
		s.logger.Info("Device disconnected")
		s.finalFlush(ctx)
		return true

	case evReady:
		if err := s.upstream.Activate(ctx); err != nil {
			s.reportError("upstream_send", err)
		}

	case evPartial:
		s.send(CreateTranscriptDelta(ev.text))

	case evResult:
		s.onResult(ev.text)

	case evProviderError:
		s.logger.Warn("Provider reported an error", zap.Error(ev.err))
		// The oldest outstanding commit will not produce a result
		if len(s.resultBytes) > 0 {
			s.resultBytes = s.resultBytes[1:]
		}
		s.reportError("provider_error", ev.err)

	case evUpstreamClosed:
		err := ev.err
		if err == nil {
			err = &domain.TransportError{Op: "upstream " + s.upstream.Provider()}
		}
		s.logger.Error("Upstream session ended", zap.Error(err))
		s.reportError("upstream_closed", err)
		s.discard("upstream closed")
		s.sink.Close("upstream session closed")
		return true

	case evOpenFailed:
		s.logger.Error("Failed to open upstream session", zap.Error(ev.err))
		s.reportError("session_create_failed", ev.err)
		s.discard("upstream open failed")
		s.sink.Close(closeReason(ev.err))
		return true
	}
	return false
}

func (s *Session) onControl(ctx context.Context, text string) {
	switch ClassifyControl(text) {
	case SignalStart:
		if s.state == StreamStreaming {
			s.logger.Info("Stream restarted, discarding buffered audio", zap.Int("bytes", s.buffer.Size()))
		}
		s.stopIdle()
		s.buffer.Clear()
		s.setState(StreamStreaming)
		s.rejectedWarned = false
		s.send(CreateStreamMessage(MessageTypeStreamStarted, s.id))

	case SignalStop:
		if s.state != StreamStreaming {
			s.logger.Warn("Ignoring stop signal",
				zap.Error(&domain.ProtocolViolation{Reason: "stop while " + s.state.String()}))
			return
		}
		s.stopIdle()
		s.setState(StreamStopping)
		s.setState(StreamFlushing)
		s.finishUtterance(ctx, "stop signal", true)
		s.setState(StreamIdle)
		s.rejectedWarned = false
		s.send(CreateStreamMessage(MessageTypeStreamStopped, s.id))

	default:
		s.logger.Info("Ignoring unknown control frame",
			zap.String("text", text),
			zap.Error(&domain.ProtocolViolation{Reason: "unknown control signal"}))
	}
}

func (s *Session) onAudio(ctx context.Context, data []byte) {
	if s.state != StreamStreaming {
		s.metrics.ChunksRejected.Inc()
		violation := &domain.ProtocolViolation{
			Reason: fmt.Sprintf("audio chunk of %d bytes while %s", len(data), s.state),
		}
		if s.rejectedWarned {
			s.logger.Debug("Rejected audio chunk", zap.Error(violation))
			return
		}
		s.rejectedWarned = true
		s.logger.Warn("Rejected audio chunk", zap.Error(violation))
		s.send(CreateWarningMessage(WarningAudioRejected, violation.Error()))
		return
	}

	s.metrics.ChunksReceived.Inc()
	s.metrics.BytesReceived.Add(float64(len(data)))

	s.buffer.Append(data)
	s.armIdle()

	if s.buffer.Size() >= s.config.MinSendBytes {
		s.forward(ctx, s.buffer.Drain())
	}
}

func (s *Session) onIdle(ctx context.Context) {
	if s.state != StreamStreaming {
		return
	}
	if s.buffer.Size() == 0 && s.upstream.UncommittedBytes() == 0 {
		return
	}
	s.metrics.IdleFlushes.Inc()
	s.logger.Info("No audio within idle window, committing utterance",
		zap.Duration("idleFlush", s.config.IdleFlush))
	s.finishUtterance(ctx, "idle timeout", false)
}

// finishUtterance drains the buffer, then commits and requests a result when
// any audio was accepted since the last commit.
func (s *Session) finishUtterance(ctx context.Context, trigger string, warnEmpty bool) {
	if pcm := s.buffer.Drain(); len(pcm) > 0 {
		s.forward(ctx, pcm)
	}

	committed := s.upstream.UncommittedBytes()
	if committed == 0 {
		if warnEmpty {
			s.metrics.NoAudioStops.Inc()
			s.logger.Warn("No audio to commit", zap.String("trigger", trigger))
			s.send(CreateWarningMessage(WarningNoAudio, "no audio received before "+trigger))
		}
		return
	}

	if err := s.upstream.Commit(ctx); err != nil {
		s.reportError("commit_failed", err)
		return
	}
	s.resultBytes = append(s.resultBytes, committed)

	if err := s.upstream.RequestResult(ctx, s.config.Instructions); err != nil {
		// No result follows this commit
		s.resultBytes = s.resultBytes[:len(s.resultBytes)-1]
		s.reportError("request_failed", err)
		return
	}

	s.logger.Info("Utterance committed",
		zap.String("trigger", trigger),
		zap.Int("bytes", committed),
		zap.Stringer("readiness", s.upstream.Readiness()))
}

func (s *Session) forward(ctx context.Context, pcm []byte) {
	err := s.upstream.SendAudio(ctx, pcm)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPendingQueueFull):
		s.metrics.PendingDropped.Add(float64(len(pcm)))
		s.logger.Warn("Upstream not ready, dropping audio", zap.Int("bytes", len(pcm)), zap.Error(err))
		s.send(CreateWarningMessage(WarningPendingOverflow, err.Error()))
	default:
		s.reportError("upstream_send", err)
	}
}

// finalFlush forwards and commits residual audio when the upstream is ready,
// otherwise discards it with a log entry.
func (s *Session) finalFlush(ctx context.Context) {
	s.stopIdle()
	pcm := s.buffer.Drain()

	if s.upstream.Readiness() != ReadinessReady {
		dropped := len(pcm) + s.upstream.Discard()
		if dropped > 0 {
			s.logger.Warn("Discarding audio, upstream never became ready",
				zap.Int("bytes", dropped),
				zap.Stringer("readiness", s.upstream.Readiness()))
		}
		return
	}

	if len(pcm) > 0 {
		if err := s.upstream.SendAudio(ctx, pcm); err != nil {
			s.logger.Warn("Failed to forward residual audio", zap.Int("bytes", len(pcm)), zap.Error(err))
			return
		}
	}
	if s.upstream.UncommittedBytes() > 0 {
		if err := s.upstream.Commit(ctx); err != nil {
			s.logger.Warn("Failed to commit residual audio", zap.Error(err))
		}
	}
}

func (s *Session) discard(reason string) {
	dropped := s.buffer.Size() + s.upstream.Discard()
	s.buffer.Clear()
	if dropped > 0 {
		s.logger.Warn("Discarding buffered audio", zap.String("reason", reason), zap.Int("bytes", dropped))
	}
}

func (s *Session) teardown() {
	s.stopIdle()
	if err := s.upstream.Close(); err != nil {
		s.logger.Warn("Error closing upstream session", zap.Error(err))
	}
	s.buffer.Clear()
	s.setState(StreamIdle)
	s.logger.Info("Relay session closed",
		zap.Stringer("readiness", s.upstream.Readiness()),
		zap.Duration("duration", time.Since(s.startedAt)))
}

func (s *Session) onResult(text string) {
	provider := s.upstream.Provider()
	s.metrics.Transcripts.WithLabelValues(provider).Inc()

	audioBytes := 0
	if len(s.resultBytes) > 0 {
		audioBytes = s.resultBytes[0]
		s.resultBytes = s.resultBytes[1:]
	}

	transcript := entities.NewTranscript(s.id, s.deviceID, provider, text).
		WithAudio(audioBytes, s.config.Audio.SampleRate)

	s.logger.Info("Transcript received",
		zap.String("transcriptID", transcript.ID),
		zap.String("text", transcript.Text),
		zap.Int64("durationMs", transcript.DurationMs))
	s.send(CreateTranscript(transcript.ID, transcript.Text))

	if !transcript.IsEmpty() {
		go s.persist(transcript)
	}
}

// persist stores and publishes a transcript. Best effort, bounded by persistTimeout.
func (s *Session) persist(transcript *entities.Transcript) {
	if s.transcripts == nil && s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if s.transcripts != nil {
		if err := s.transcripts.Create(ctx, transcript); err != nil {
			s.logger.Warn("Failed to store transcript", zap.String("transcriptID", transcript.ID), zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, transcript); err != nil {
			s.logger.Warn("Failed to publish transcript", zap.String("transcriptID", transcript.ID), zap.Error(err))
		}
	}
}

func (s *Session) setState(state StreamState) {
	if s.state != state {
		s.logger.Debug("Stream state changed",
			zap.Stringer("from", s.state),
			zap.Stringer("to", state))
	}
	s.state = state
	s.stateMirror.Store(int32(state))
}

func (s *Session) armIdle() {
	if s.config.IdleFlush <= 0 {
		return
	}
	if s.idleTimer == nil {
		s.idleTimer = time.NewTimer(s.config.IdleFlush)
		s.idleArmed = true
		return
	}
	s.stopIdle()
	s.idleTimer.Reset(s.config.IdleFlush)
	s.idleArmed = true
}

func (s *Session) stopIdle() {
	if s.idleTimer == nil {
		return
	}
	if !s.idleTimer.Stop() && s.idleArmed {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleArmed = false
}

func (s *Session) send(v interface{}) {
	if err := s.sink.SendJSON(v); err != nil {
		s.logger.Debug("Failed to send message to device", zap.Error(err))
	}
}

func (s *Session) reportError(code string, err error) {
	s.logger.Error("Relay error", zap.String("code", code), zap.Error(err))
	s.send(CreateErrorMessage(code, err))
}

// closeReason fits a close-frame reason into the 123 byte control frame limit
// without splitting a UTF-8 sequence
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
