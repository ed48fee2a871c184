// Package grpcstream turns a provider's one-shot streaming recognize RPC into
// a committable upstream connection. Every commit half-closes the current
// recognition stream; the next one opens with the first audio after it, so
// each committed utterance yields exactly one result and no stream sits idle
// between utterances.
package grpcstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

// Result is one recognition update received from a provider stream
type Result struct {
	Text  string
	Final bool
}

// Stream is a single configured recognition stream
type Stream interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() ([]Result, error)
}

// OpenFunc opens a recognition stream and sends its configuration
type OpenFunc func(ctx context.Context) (Stream, error)

type segment struct {
	stream    Stream
	sent      int
	committed atomic.Bool
}

// Conn implements repositories.UpstreamConn over rotating recognition streams
type Conn struct {
	provider string
	open     OpenFunc
	handler  repositories.UpstreamHandler
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *segment // nil between a commit and the next audio
	closed    bool
	closeOnce sync.Once
}

var _ repositories.UpstreamConn = (*Conn)(nil)

// Dial opens the first recognition stream. The handler receives OnReady from
// the stream's receive goroutine once the stream is configured.
func Dial(ctx context.Context, provider string, open OpenFunc, handler repositories.UpstreamHandler, logger *zap.Logger) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.UpstreamConnectError{Provider: provider, Err: err}
	}

	// Streams outlive the Connect call
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := open(streamCtx)
	if err != nil {
		cancel()
		return nil, &domain.UpstreamConnectError{Provider: provider, Err: err}
	}

	c := &Conn{
		provider: provider,
		open:     open,
		handler:  handler,
		logger:   logger,
		ctx:      streamCtx,
		cancel:   cancel,
		current:  &segment{stream: stream},
	}
	go c.receive(c.current, true)
	return c, nil
}

// SendAudio implements repositories.UpstreamConn. It opens the next
// recognition stream when none is active.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrUpstreamClosed
	}
	if c.current == nil {
		stream, err := c.open(c.ctx)
		if err != nil {
			c.logger.Error("Failed to open recognition stream", zap.String("provider", c.provider), zap.Error(err))
			return &domain.TransportError{Op: c.provider + " open", Err: err}
		}
		c.current = &segment{stream: stream}
		go c.receive(c.current, false)
	}
	if err := c.current.stream.Send(pcm); err != nil {
		return &domain.TransportError{Op: c.provider + " send", Err: err}
	}
	c.current.sent += len(pcm)
	return nil
}

// Commit half-closes the current stream. Its result arrives through OnResult.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrUpstreamClosed
	}
	if c.current == nil || c.current.sent == 0 {
		return &domain.EmptyCommitError{Provider: c.provider}
	}

	old := c.current
	c.current = nil
	old.committed.Store(true)
	if err := old.stream.CloseSend(); err != nil {
		return &domain.TransportError{Op: c.provider + " close send", Err: err}
	}
	return nil
}

// RequestResult is a no-op: results of a committed stream arrive on their own
func (c *Conn) RequestResult(ctx context.Context, instructions string) error {
	c.logger.Debug("Result request ignored, provider streams results", zap.String("provider", c.provider))
	return nil
}

// Close implements repositories.UpstreamConn. It does not wait for receivers.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		current := c.current
		c.mu.Unlock()

		if current == nil {
			// No receiver left to report the close
			c.cancel()
			go c.handler.OnClosed(nil)
			return
		}
		current.stream.CloseSend()
		c.cancel()
	})
	return nil
}

func (c *Conn) receive(seg *segment, signalReady bool) {
	if signalReady {
		c.handler.OnReady()
	}

	var finals []string
	for {
		results, err := seg.stream.Recv()
		if err != nil {
			c.finish(seg, strings.Join(finals, " "), err)
			return
		}

		for _, result := range results {
			if result.Text == "" {
				continue
			}
			if result.Final {
				finals = append(finals, result.Text)
			} else {
				c.handler.OnPartial(result.Text)
			}
		}
	}
}

// finish reports the end of a stream. Only the current stream reports
// OnClosed; a current stream that never carried audio is dropped quietly,
// since providers expire idle streams.
func (c *Conn) finish(seg *segment, text string, err error) {
	c.mu.Lock()
	isCurrent := c.current == seg
	closed := c.closed
	idle := isCurrent && !closed && seg.sent == 0
	if idle {
		c.current = nil
	}
	c.mu.Unlock()

	if seg.committed.Load() {
		switch {
		case errors.Is(err, io.EOF):
			c.handler.OnResult(text)
		case !closed:
			c.handler.OnError(&domain.TransportError{Op: c.provider + " recv", Err: err})
		}
	}

	if idle {
		c.logger.Debug("Idle recognition stream ended",
			zap.String("provider", c.provider), zap.Error(err))
		return
	}
	if !isCurrent {
		return
	}

	if closed {
		c.handler.OnClosed(nil)
		return
	}
	c.handler.OnClosed(&domain.TransportError{Op: c.provider + " recv", Err: err})
}
