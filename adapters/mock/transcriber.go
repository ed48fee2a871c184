package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

// Transcriber is a deterministic provider for local development and tests.
// Each result describes how many bytes were committed.
type Transcriber struct {
	// ReadyDelay simulates the provider handshake before audio is accepted
	ReadyDelay time.Duration

	logger *zap.Logger
}

// Conn is the mock duplex connection
type Conn struct {
	handler repositories.UpstreamHandler
	logger  *zap.Logger

	mu        sync.Mutex
	received  int
	committed []int
	closed    bool
}

// NewTranscriber creates a new mock transcriber
func NewTranscriber(readyDelay time.Duration, logger *zap.Logger) *Transcriber {
	return &Transcriber{
		ReadyDelay: readyDelay,
		logger:     logger,
	}
}

// Name implements repositories.Transcriber
func (t *Transcriber) Name() string {
	return "mock"
}

// Connect implements repositories.Transcriber
func (t *Transcriber) Connect(ctx context.Context, config repositories.AudioConfig, handler repositories.UpstreamHandler) (repositories.UpstreamConn, error) {
	t.logger.Info("Opening mock transcription session",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	conn := &Conn{
		handler: handler,
		logger:  t.logger,
	}

	go func() {
		if t.ReadyDelay > 0 {
			time.Sleep(t.ReadyDelay)
		}
		handler.OnReady()
	}()

	return conn, nil
}

// SendAudio implements repositories.UpstreamConn
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrUpstreamClosed
	}
	c.received += len(pcm)
	return nil
}

// Commit implements repositories.UpstreamConn
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrUpstreamClosed
	}
	if c.received == 0 {
		return &domain.EmptyCommitError{Provider: "mock"}
	}
	c.committed = append(c.committed, c.received)
	c.received = 0
	return nil
}

// RequestResult implements repositories.UpstreamConn. The result is delivered
// asynchronously like a real provider.
func (c *Conn) RequestResult(ctx context.Context, instructions string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrUpstreamClosed
	}
	if len(c.committed) == 0 {
		c.logger.Warn("Mock result requested without committed audio")
		return nil
	}

	bytes := c.committed[0]
	c.committed = c.committed[1:]

	go func() {
		c.handler.OnPartial("mock transcript")
		c.handler.OnResult(fmt.Sprintf("mock transcript of %d bytes", bytes))
	}()
	return nil
}

// Close implements repositories.UpstreamConn
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ repositories.Transcriber = (*Transcriber)(nil)
