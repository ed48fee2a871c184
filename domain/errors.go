package domain

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrUpstreamNotReady is returned when audio is transmitted before the provider reported readiness
	ErrUpstreamNotReady = errors.New("upstream session not ready")

	// ErrUpstreamClosed is returned for operations on a closed or failed upstream session
	ErrUpstreamClosed = errors.New("upstream session closed")

	// ErrPendingQueueFull is returned when the pre-ready audio queue would exceed its bound
	ErrPendingQueueFull = errors.New("upstream pending queue full")

	// ErrUnsupportedProvider is returned by the provider factory for unknown names
	ErrUnsupportedProvider = errors.New("unsupported speech provider")

	// ErrTranscriptNotFound is returned by transcript repositories for unknown ids
	ErrTranscriptNotFound = errors.New("transcript not found")
)

// SessionCreateError reports a failed credential/session request to the provider.
type SessionCreateError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *SessionCreateError) Error() string {
	msg := "create " + e.Provider + " session"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionCreateError) Unwrap() error {
	return e.Err
}

// UpstreamConnectError reports a failed duplex handshake with the provider.
type UpstreamConnectError struct {
	Provider string
	URL      string
	Err      error
}

func (e *UpstreamConnectError) Error() string {
	msg := "connect " + e.Provider + " upstream"
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}

// EmptyCommitError is returned when a commit is attempted with no audio sent
// since the previous commit. It must not be retried.
type EmptyCommitError struct {
	Provider string
}

func (e *EmptyCommitError) Error() string {
	return "commit " + e.Provider + " upstream: no audio sent since last commit"
}

// UpstreamProtocolError carries an error event reported by the provider.
type UpstreamProtocolError struct {
	Provider string
	Code     string
	Message  string
}

func (e *UpstreamProtocolError) Error() string {
	msg := e.Provider + " error"
	if e.Code != "" {
		msg += " [code=" + e.Code + "]"
	}
	return msg + ": " + e.Message
}

// TransportError wraps a disconnect or network failure on either side of the relay.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op + ": transport closed"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolViolation describes device input that does not fit the relay protocol.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Reason
}

// IsSetupError reports whether err is terminal for the relay session
func IsSetupError(err error) bool {
	var sce *SessionCreateError
	if errors.As(err, &sce) {
		return true
	}
	var uce *UpstreamConnectError
	return errors.As(err, &uce)
}

// IsEmptyCommit reports whether err is an EmptyCommitError
func IsEmptyCommit(err error) bool {
	var ece *EmptyCommitError
	return errors.As(err, &ece)
}

// IsProtocolViolation reports whether err is a ProtocolViolation
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}
