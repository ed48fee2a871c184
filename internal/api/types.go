package api

import (
	"github.com/satriahrh/arunika/relay/domain/entities"
	"github.com/satriahrh/arunika/relay/internal/relay"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Provider       string `json:"provider"`
	ActiveSessions int    `json:"active_sessions"`
}

// SessionsResponse is returned by GET /api/v1/sessions
type SessionsResponse struct {
	Sessions []relay.SessionInfo `json:"sessions"`
	Count    int                 `json:"count"`
}

// TranscriptsResponse is returned by GET /api/v1/transcripts
type TranscriptsResponse struct {
	Transcripts []*entities.Transcript `json:"transcripts"`
	Count       int                    `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
