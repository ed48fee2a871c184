package relay

import "time"

// MessageType defines the type of an outbound device message
type MessageType string

// Outbound message types
const (
	MessageTypeConnectionAck   MessageType = "connection.ack"
	MessageTypeStreamStarted   MessageType = "stream.started"
	MessageTypeStreamStopped   MessageType = "stream.stopped"
	MessageTypeTranscriptDelta MessageType = "transcript.delta"
	MessageTypeTranscript      MessageType = "transcript"
	MessageTypeWarning         MessageType = "warning"
	MessageTypeError           MessageType = "error"
)

// Warning codes
const (
	WarningNoAudio         = "no_audio"
	WarningAudioRejected   = "audio_rejected"
	WarningPendingOverflow = "pending_overflow"
)

// BaseMessage defines the common structure for all outbound messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// ConnectionAckMessage is sent once the device connection is accepted
type ConnectionAckMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
}

// StreamMessage acknowledges a stream start or stop
type StreamMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// TranscriptDeltaMessage carries a partial transcription increment
type TranscriptDeltaMessage struct {
	BaseMessage
	Delta string `json:"delta"`
}

// TranscriptMessage carries a final transcription
type TranscriptMessage struct {
	BaseMessage
	TranscriptID string `json:"transcript_id,omitempty"`
	Text         string `json:"text"`
	Final        bool   `json:"final"`
}

// WarningMessage reports a non-fatal condition to the device
type WarningMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage reports a provider or session error to the device
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// CreateConnectionAck creates the greeting sent on connect
func CreateConnectionAck(sessionID, provider string) *ConnectionAckMessage {
	return &ConnectionAckMessage{
		BaseMessage: newBase(MessageTypeConnectionAck),
		SessionID:   sessionID,
		Provider:    provider,
	}
}

// CreateStreamMessage creates a stream.started or stream.stopped message
func CreateStreamMessage(t MessageType, sessionID string) *StreamMessage {
	return &StreamMessage{
		BaseMessage: newBase(t),
		SessionID:   sessionID,
	}
}

// CreateTranscriptDelta creates a partial transcript message
func CreateTranscriptDelta(delta string) *TranscriptDeltaMessage {
	return &TranscriptDeltaMessage{
		BaseMessage: newBase(MessageTypeTranscriptDelta),
		Delta:       delta,
	}
}

// CreateTranscript creates a final transcript message
func CreateTranscript(id, text string) *TranscriptMessage {
	return &TranscriptMessage{
		BaseMessage:  newBase(MessageTypeTranscript),
		TranscriptID: id,
		Text:         text,
		Final:        true,
	}
}

// CreateWarningMessage creates a warning message
func CreateWarningMessage(code, message string) *WarningMessage {
	return &WarningMessage{
		BaseMessage: newBase(MessageTypeWarning),
		Code:        code,
		Message:     message,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code string, err error) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Error:       err.Error(),
		Code:        code,
	}
}
