package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/metrics"
)

const (
	// DefaultMaxFrameBytes is the largest raw PCM payload sent in one provider frame
	DefaultMaxFrameBytes = 32 * 1024

	// DefaultMaxPendingBytes bounds audio queued while the provider is not ready
	DefaultMaxPendingBytes = 1024 * 1024
)

// UpstreamConfig holds the framing and queueing limits of an upstream session
type UpstreamConfig struct {
	MaxFrameBytes   int
	MaxPendingBytes int
}

// upstreamListener receives upstream notifications. The Session implements it
// by posting events to its inbox.
type upstreamListener interface {
	upstreamReady()
	upstreamPartial(delta string)
	upstreamResult(text string)
	upstreamError(err error)
	upstreamClosed(err error)
}

type pendingKind int

const (
	pendingAudio pendingKind = iota
	pendingCommit
	pendingResult
)

type pendingOp struct {
	kind         pendingKind
	audio        []byte
	instructions string
}

// Upstream drives one provider connection through
// CREATING -> CONNECTING -> READY -> CLOSED|FAILED.
// Audio, commits and result requests issued before READY are queued in order
// and replayed by Activate.
type Upstream struct {
	transcriber repositories.Transcriber
	audio       repositories.AudioConfig
	config      UpstreamConfig
	listener    upstreamListener
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu             sync.Mutex
	conn           repositories.UpstreamConn
	readiness      Readiness
	readySignalled bool
	pending        []pendingOp
	pendingBytes   int
	uncommitted    int

	readyOnce sync.Once
	closeOnce sync.Once
}

// NewUpstream creates an upstream session in the CREATING state
func NewUpstream(
	transcriber repositories.Transcriber,
	audio repositories.AudioConfig,
	config UpstreamConfig,
	listener upstreamListener,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Upstream {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if config.MaxPendingBytes <= 0 {
		config.MaxPendingBytes = DefaultMaxPendingBytes
	}

	return &Upstream{
		transcriber: transcriber,
		audio:       audio,
		config:      config,
		listener:    listener,
		logger:      logger.With(zap.String("provider", transcriber.Name())),
		metrics:     m,
		readiness:   ReadinessCreating,
	}
}

// Provider returns the provider name
func (u *Upstream) Provider() string {
	return u.transcriber.Name()
}

// Readiness returns the current lifecycle state
func (u *Upstream) Readiness() Readiness {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.readiness
}

// UncommittedBytes returns the audio accepted since the last commit
func (u *Upstream) UncommittedBytes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uncommitted
}

// PendingBytes returns the audio waiting for READY
func (u *Upstream) PendingBytes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingBytes
}

// Open creates the provider session and connects. It blocks on network I/O
// and may run concurrently with the owner queueing audio.
func (u *Upstream) Open(ctx context.Context) error {
	u.mu.Lock()
	if u.readiness != ReadinessCreating {
		state := u.readiness
		u.mu.Unlock()
		return fmt.Errorf("open upstream in state %s: %w", state, domain.ErrUpstreamClosed)
	}
	u.mu.Unlock()

	start := time.Now()
	conn, err := u.transcriber.Connect(ctx, u.audio, u)
	u.metrics.UpstreamOpenTime.WithLabelValues(u.Provider()).Observe(time.Since(start).Seconds())

	u.mu.Lock()
	if err != nil {
		if !u.readiness.Terminal() {
			u.readiness = ReadinessFailed
		}
		u.mu.Unlock()
		u.metrics.UpstreamErrors.WithLabelValues(u.Provider(), "open").Inc()
		return err
	}

	if u.readiness.Terminal() {
		u.mu.Unlock()
		conn.Close()
		return fmt.Errorf("upstream closed while connecting: %w", domain.ErrUpstreamClosed)
	}

	u.conn = conn
	u.readiness = ReadinessConnecting
	signalled := u.readySignalled
	u.mu.Unlock()

	u.logger.Info("Upstream connected, waiting for session ready",
		zap.Duration("openDuration", time.Since(start)))

	if signalled {
		u.notifyReady()
	}
	return nil
}

// Activate moves a connected session to READY and replays queued operations
// in order. It must be called from the owner after upstreamReady fired.
func (u *Upstream) Activate(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.readiness != ReadinessConnecting {
		u.logger.Debug("Ignoring activation", zap.Stringer("readiness", u.readiness))
		return nil
	}

	u.readiness = ReadinessReady
	ops := u.pending
	queued := u.pendingBytes
	u.pending = nil
	u.pendingBytes = 0

	u.logger.Info("Upstream session ready",
		zap.Int("queuedOps", len(ops)),
		zap.Int("queuedBytes", queued))

	for _, op := range ops {
		if err := u.applyLocked(ctx, op); err != nil {
			return fmt.Errorf("replay queued upstream operations: %w", err)
		}
	}
	return nil
}

// SendAudio forwards pcm to the provider, or queues it while not READY
func (u *Upstream) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.readiness.Terminal():
		return domain.ErrUpstreamClosed
	case u.readiness != ReadinessReady:
		if u.pendingBytes+len(pcm) > u.config.MaxPendingBytes {
			return fmt.Errorf("queue %d bytes with %d pending: %w", len(pcm), u.pendingBytes, domain.ErrPendingQueueFull)
		}
		u.pending = append(u.pending, pendingOp{kind: pendingAudio, audio: pcm})
		u.pendingBytes += len(pcm)
		u.uncommitted += len(pcm)
		return nil
	}

	if err := u.transmitLocked(ctx, pcm); err != nil {
		return err
	}
	u.uncommitted += len(pcm)
	return nil
}

// Commit signals end of utterance. It fails with EmptyCommitError when no
// audio was accepted since the last commit.
func (u *Upstream) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.uncommitted == 0 {
		return &domain.EmptyCommitError{Provider: u.Provider()}
	}

	switch {
	case u.readiness.Terminal():
		return domain.ErrUpstreamClosed
	case u.readiness != ReadinessReady:
		u.pending = append(u.pending, pendingOp{kind: pendingCommit})
		u.uncommitted = 0
		return nil
	}

	if err := u.applyLocked(ctx, pendingOp{kind: pendingCommit}); err != nil {
		return err
	}
	u.uncommitted = 0
	return nil
}

// RequestResult asks the provider for a response to the committed audio
func (u *Upstream) RequestResult(ctx context.Context, instructions string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	op := pendingOp{kind: pendingResult, instructions: instructions}
	switch {
	case u.readiness.Terminal():
		return domain.ErrUpstreamClosed
	case u.readiness != ReadinessReady:
		u.pending = append(u.pending, op)
		return nil
	}
	return u.applyLocked(ctx, op)
}

// Discard drops queued operations and returns the number of audio bytes lost
func (u *Upstream) Discard() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	dropped := u.pendingBytes
	u.pending = nil
	u.pendingBytes = 0
	u.uncommitted = 0
	if dropped > 0 {
		u.metrics.PendingDropped.Add(float64(dropped))
	}
	return dropped
}

// Close releases the provider connection. Safe to call repeatedly and while
// a provider request is outstanding.
func (u *Upstream) Close() error {
	u.mu.Lock()
	if !u.readiness.Terminal() {
		u.readiness = ReadinessClosed
	}
	conn := u.conn
	u.mu.Unlock()

	var err error
	if conn != nil {
		u.closeOnce.Do(func() {
			err = conn.Close()
			u.logger.Info("Upstream connection closed")
		})
	}
	return err
}

func (u *Upstream) applyLocked(ctx context.Context, op pendingOp) error {
	switch op.kind {
	case pendingAudio:
		return u.transmitLocked(ctx, op.audio)
	case pendingCommit:
		if err := u.conn.Commit(ctx); err != nil {
			return fmt.Errorf("commit upstream audio: %w", err)
		}
		u.metrics.Commits.WithLabelValues(u.Provider()).Inc()
		return nil
	case pendingResult:
		if err := u.conn.RequestResult(ctx, op.instructions); err != nil {
			return fmt.Errorf("request upstream result: %w", err)
		}
		return nil
	}
	return nil
}

// transmitLocked splits pcm into provider-sized frames
func (u *Upstream) transmitLocked(ctx context.Context, pcm []byte) error {
	for start := 0; start < len(pcm); start += u.config.MaxFrameBytes {
		end := start + u.config.MaxFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := u.conn.SendAudio(ctx, pcm[start:end]); err != nil {
			return fmt.Errorf("send upstream audio: %w", err)
		}
		u.metrics.FramesForwarded.WithLabelValues(u.Provider()).Inc()
		u.metrics.BytesForwarded.WithLabelValues(u.Provider()).Add(float64(end - start))
	}
	return nil
}

func (u *Upstream) notifyReady() {
	u.readyOnce.Do(u.listener.upstreamReady)
}

// OnReady implements repositories.UpstreamHandler
func (u *Upstream) OnReady() {
	u.mu.Lock()
	u.readySignalled = true
	attached := u.conn != nil
	u.mu.Unlock()

	if attached {
		u.notifyReady()
	}
}

// OnPartial implements repositories.UpstreamHandler
func (u *Upstream) OnPartial(delta string) {
	u.listener.upstreamPartial(delta)
}

// OnResult implements repositories.UpstreamHandler
func (u *Upstream) OnResult(text string) {
	u.listener.upstreamResult(text)
}

// OnError implements repositories.UpstreamHandler
func (u *Upstream) OnError(err error) {
	u.metrics.UpstreamErrors.WithLabelValues(u.Provider(), "protocol").Inc()
	u.listener.upstreamError(err)
}

// OnClosed implements repositories.UpstreamHandler
func (u *Upstream) OnClosed(err error) {
	u.mu.Lock()
	if !u.readiness.Terminal() {
		if err != nil {
			u.readiness = ReadinessFailed
		} else {
			u.readiness = ReadinessClosed
		}
	}
	u.mu.Unlock()

	if err != nil {
		u.metrics.UpstreamErrors.WithLabelValues(u.Provider(), "transport").Inc()
	}
	u.listener.upstreamClosed(err)
}

var _ repositories.UpstreamHandler = (*Upstream)(nil)
