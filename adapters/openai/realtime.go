package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const (
	providerName = "openai"

	defaultModel       = "gpt-4o-realtime-preview-2024-12-17"
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultHTTPTimeout = 15 * time.Second

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxErrorBody     = 4096
)

// RealtimeConfig holds configuration for the OpenAI Realtime adapter
// Required fields:
// - APIKey: OpenAI API key used to mint ephemeral session credentials
// Optional fields with defaults:
// - Model: realtime model (default: "gpt-4o-realtime-preview-2024-12-17")
// - BaseURL: REST base URL (default: "https://api.openai.com/v1")
// - RealtimeURL: WebSocket URL (default: "wss://api.openai.com/v1/realtime")
type RealtimeConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	RealtimeURL string
	HTTPTimeout time.Duration
}

// Realtime implements repositories.Transcriber on the OpenAI Realtime API.
// Each connection first creates a session over REST to obtain a short-lived
// client secret, then opens the WebSocket with it.
type Realtime struct {
	apiKey      string
	model       string
	baseURL     string
	realtimeURL string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

var _ repositories.Transcriber = (*Realtime)(nil)

// ValidateRealtimeConfig validates the RealtimeConfig
func ValidateRealtimeConfig(config RealtimeConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("openai API key is required")
	}
	if config.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout must be positive, got %s", config.HTTPTimeout)
	}
	return nil
}

// NewRealtime creates a new OpenAI Realtime transcriber
func NewRealtime(config RealtimeConfig, logger *zap.Logger) (*Realtime, error) {
	if err := ValidateRealtimeConfig(config); err != nil {
		return nil, err
	}

	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default realtime model", zap.String("model", model))
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	realtimeURL := config.RealtimeURL
	if realtimeURL == "" {
		realtimeURL = defaultRealtimeURL
	}

	timeout := config.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &Realtime{
		apiKey:      config.APIKey,
		model:       model,
		baseURL:     baseURL,
		realtimeURL: realtimeURL,
		httpClient:  &http.Client{Timeout: timeout},
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:      logger.With(zap.String("provider", providerName)),
	}, nil
}

// Name implements repositories.Transcriber
func (r *Realtime) Name() string {
	return providerName
}

type sessionRequest struct {
	Model            string   `json:"model"`
	Modalities       []string `json:"modalities"`
	InputAudioFormat string   `json:"input_audio_format"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Connect implements repositories.Transcriber
func (r *Realtime) Connect(ctx context.Context, config repositories.AudioConfig, handler repositories.UpstreamHandler) (repositories.UpstreamConn, error) {
	if config.SampleRate != 0 && config.SampleRate != 24000 {
		r.logger.Warn("Realtime API expects 24 kHz PCM16, audio is forwarded unconverted",
			zap.Int("sampleRate", config.SampleRate))
	}

	secret, err := r.createSession(ctx)
	if err != nil {
		return nil, err
	}

	wsURL, err := url.Parse(r.realtimeURL)
	if err != nil {
		return nil, &domain.UpstreamConnectError{Provider: providerName, URL: r.realtimeURL, Err: err}
	}
	query := wsURL.Query()
	query.Set("model", r.model)
	wsURL.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := r.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &domain.UpstreamConnectError{Provider: providerName, URL: wsURL.String(), Err: err}
	}

	conn := &realtimeConn{
		ws:      ws,
		handler: handler,
		logger:  r.logger,
	}
	go conn.readLoop()

	r.logger.Info("Realtime WebSocket connected", zap.String("model", r.model))
	return conn, nil
}

// createSession obtains an ephemeral client secret
func (r *Realtime) createSession(ctx context.Context) (string, error) {
	body, err := json.Marshal(sessionRequest{
		Model:            r.model,
		Modalities:       []string{"text"},
		InputAudioFormat: "pcm16",
	})
	if err != nil {
		return "", &domain.SessionCreateError{Provider: providerName, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return "", &domain.SessionCreateError{Provider: providerName, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", &domain.SessionCreateError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &domain.SessionCreateError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errorBody)),
		}
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", &domain.SessionCreateError{Provider: providerName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode session: %w", err)}
	}
	if session.ClientSecret.Value == "" {
		return "", &domain.SessionCreateError{Provider: providerName, StatusCode: resp.StatusCode, Err: errors.New("response has no client_secret")}
	}

	r.logger.Debug("Realtime session created", zap.String("sessionID", session.ID))
	return session.ClientSecret.Value, nil
}

// serverEvent is the subset of Realtime server events the relay consumes
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

type realtimeConn struct {
	ws      *websocket.Conn
	wsMu    sync.Mutex
	handler repositories.UpstreamHandler
	logger  *zap.Logger

	closing   atomic.Bool
	closeOnce sync.Once

	// Read loop state
	text      strings.Builder
	delivered bool
}

func (c *realtimeConn) readLoop() {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				c.handler.OnClosed(nil)
			} else {
				c.handler.OnClosed(&domain.TransportError{Op: "openai read", Err: err})
			}
			return
		}

		var event serverEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("Ignoring malformed realtime event", zap.Error(err))
			continue
		}
		c.handleEvent(event)
	}
}

func (c *realtimeConn) handleEvent(event serverEvent) {
	switch event.Type {
	case "session.created":
		if err := c.configureSession(); err != nil {
			c.handler.OnError(fmt.Errorf("configure realtime session: %w", err))
		}
		c.handler.OnReady()

	case "session.updated", "input_audio_buffer.committed", "response.created":
		c.logger.Debug("Realtime event", zap.String("type", event.Type))

	case "response.output_text.delta", "response.text.delta":
		c.text.WriteString(event.Delta)
		c.handler.OnPartial(event.Delta)

	case "response.output_text.done", "response.text.done":
		text := event.Text
		if text == "" {
			text = c.text.String()
		}
		c.deliver(text)

	case "response.done", "response.completed":
		if !c.delivered {
			text := c.text.String()
			if text == "" {
				text = event.responseText()
			}
			c.deliver(text)
		}
		c.text.Reset()
		c.delivered = false

	case "conversation.item.input_audio_transcription.completed":
		c.handler.OnResult(event.Transcript)

	case "error":
		protocolErr := &domain.UpstreamProtocolError{Provider: providerName, Message: "unknown error"}
		if event.Error != nil {
			protocolErr.Code = event.Error.Code
			protocolErr.Message = event.Error.Message
		}
		c.handler.OnError(protocolErr)

	default:
		c.logger.Debug("Unhandled realtime event", zap.String("type", event.Type))
	}
}

func (c *realtimeConn) deliver(text string) {
	c.handler.OnResult(text)
	c.delivered = true
	c.text.Reset()
}

func (e serverEvent) responseText() string {
	if e.Response == nil {
		return ""
	}
	var b strings.Builder
	for _, output := range e.Response.Output {
		for _, content := range output.Content {
			b.WriteString(content.Text)
		}
	}
	return b.String()
}

// configureSession switches the session to text output with manual commits
func (c *realtimeConn) configureSession() error {
	return c.writeJSON(map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"modalities":         []string{"text"},
			"input_audio_format": "pcm16",
			"turn_detection":     nil,
		},
	})
}

// SendAudio implements repositories.UpstreamConn
func (c *realtimeConn) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit implements repositories.UpstreamConn
func (c *realtimeConn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{
		"type": "input_audio_buffer.commit",
	})
}

// RequestResult implements repositories.UpstreamConn
func (c *realtimeConn) RequestResult(ctx context.Context, instructions string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	response := map[string]interface{}{
		"modalities": []string{"text"},
	}
	if instructions != "" {
		response["instructions"] = instructions
	}
	return c.writeJSON(map[string]interface{}{
		"type":     "response.create",
		"response": response,
	})
}

// Close implements repositories.UpstreamConn. It does not wait for the read loop.
func (c *realtimeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.wsMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wsMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *realtimeConn) writeJSON(v interface{}) error {
	if c.closing.Load() {
		return domain.ErrUpstreamClosed
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		return &domain.TransportError{Op: "openai write", Err: err}
	}
	return nil
}
