package entities

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TranscriptStatus represents how a transcript was produced
type TranscriptStatus string

const (
	TranscriptStatusFinal   TranscriptStatus = "final"
	TranscriptStatusPartial TranscriptStatus = "partial"
)

// Transcript is the final text returned by the provider for one committed utterance
type Transcript struct {
	ID             string           `json:"id" bson:"_id"`
	RelaySessionID string           `json:"relay_session_id" bson:"relay_session_id"`
	DeviceID       string           `json:"device_id" bson:"device_id"`
	Provider       string           `json:"provider" bson:"provider"`
	Text           string           `json:"text" bson:"text"`
	Status         TranscriptStatus `json:"status" bson:"status"`
	AudioBytes     int              `json:"audio_bytes" bson:"audio_bytes"`
	DurationMs     int64            `json:"duration_ms" bson:"duration_ms"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
}

// NewTranscript creates a final transcript for a relay session
func NewTranscript(relaySessionID, deviceID, provider, text string) *Transcript {
	return &Transcript{
		ID:             uuid.New().String(),
		RelaySessionID: relaySessionID,
		DeviceID:       deviceID,
		Provider:       provider,
		Text:           strings.TrimSpace(text),
		Status:         TranscriptStatusFinal,
		CreatedAt:      time.Now(),
	}
}

// WithAudio records how much PCM16 audio produced this transcript
func (t *Transcript) WithAudio(audioBytes, sampleRate int) *Transcript {
	t.AudioBytes = audioBytes
	t.DurationMs = PCM16DurationMs(audioBytes, sampleRate)
	return t
}

// IsEmpty reports whether the provider returned no words
func (t *Transcript) IsEmpty() bool {
	return t.Text == ""
}

// Validate validates the transcript data
func (t *Transcript) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.RelaySessionID == "" {
		return errors.New("relay_session_id is required")
	}
	if t.Provider == "" {
		return errors.New("provider is required")
	}
	if t.Status != TranscriptStatusFinal && t.Status != TranscriptStatusPartial {
		return errors.New("invalid transcript status")
	}
	return nil
}

// PCM16DurationMs returns the playback duration of mono PCM16 audio
func PCM16DurationMs(audioBytes, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(audioBytes) * 1000 / int64(sampleRate*2)
}
