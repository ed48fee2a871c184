package repositories

import "context"

// Transcriber abstracts a cloud speech provider able to open duplex
// transcription sessions (OpenAI Realtime, Yandex SpeechKit, Google Speech)
type Transcriber interface {
	// Name returns the provider name used in logs and stored transcripts
	Name() string
	// Connect performs provider session creation and opens the duplex connection.
	// Provider events are delivered to handler until the connection closes.
	Connect(ctx context.Context, config AudioConfig, handler UpstreamHandler) (UpstreamConn, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// UpstreamHandler receives provider events. Implementations must not block.
type UpstreamHandler interface {
	// OnReady is called once when the provider accepts audio
	OnReady()
	// OnPartial is called for each incremental text delta
	OnPartial(delta string)
	// OnResult is called with the final text of a response
	OnResult(text string)
	// OnError is called for provider error events; the connection stays open
	OnError(err error)
	// OnClosed is called once when the connection ends; err is nil on a clean close
	OnClosed(err error)
}

// UpstreamConn is a provider-specific duplex connection. SendAudio must only
// be called after OnReady fired.
type UpstreamConn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Commit(ctx context.Context) error
	RequestResult(ctx context.Context, instructions string) error
	Close() error
}
