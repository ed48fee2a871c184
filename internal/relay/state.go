package relay

import "strings"

// StreamState is the device-side stream state of a relay session
type StreamState int32

const (
	StreamIdle StreamState = iota
	StreamStreaming
	StreamStopping
	StreamFlushing
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamStreaming:
		return "streaming"
	case StreamStopping:
		return "stopping"
	case StreamFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Readiness is the lifecycle state of an upstream provider session.
// Closed and Failed are terminal.
type Readiness int32

const (
	ReadinessCreating Readiness = iota
	ReadinessConnecting
	ReadinessReady
	ReadinessClosed
	ReadinessFailed
)

func (r Readiness) String() string {
	switch r {
	case ReadinessCreating:
		return "creating"
	case ReadinessConnecting:
		return "connecting"
	case ReadinessReady:
		return "ready"
	case ReadinessClosed:
		return "closed"
	case ReadinessFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further upstream traffic is possible
func (r Readiness) Terminal() bool {
	return r == ReadinessClosed || r == ReadinessFailed
}

// ControlSignal is a classified device text frame
type ControlSignal int

const (
	SignalUnknown ControlSignal = iota
	SignalStart
	SignalStop
)

func (c ControlSignal) String() string {
	switch c {
	case SignalStart:
		return "start"
	case SignalStop:
		return "stop"
	default:
		return "unknown"
	}
}

var (
	startVocabulary = []string{"STREAM_STARTED", "STREAM STARTED"}
	stopVocabulary  = []string{"STREAM_STOPPED", "STREAM STOPPED", "STOP"}
)

// ClassifyControl matches a device text frame against the control vocabulary
// by case-insensitive substring.
func ClassifyControl(text string) ControlSignal {
	upper := strings.ToUpper(text)
	for _, word := range startVocabulary {
		if strings.Contains(upper, word) {
			return SignalStart
		}
	}
	for _, word := range stopVocabulary {
		if strings.Contains(upper, word) {
			return SignalStop
		}
	}
	return SignalUnknown
}
