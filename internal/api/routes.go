package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/auth"
	"github.com/satriahrh/arunika/relay/internal/metrics"
	"github.com/satriahrh/arunika/relay/internal/websocket"
)

const (
	defaultTranscriptLimit = 50
	maxTranscriptLimit     = 500
)

// Dependencies groups what the HTTP surface needs
type Dependencies struct {
	Hub         *websocket.Hub
	Transcripts repositories.TranscriptRepository
	Auth        *auth.Authenticator
	Metrics     *metrics.Metrics
	Provider    string
	Logger      *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:         "ok",
			Service:        "arunika-relay",
			Provider:       deps.Provider,
			ActiveSessions: deps.Hub.Count(),
		})
	})

	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/sessions", func(c echo.Context) error {
		sessions := deps.Hub.Sessions()
		return c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions, Count: len(sessions)})
	})

	v1.GET("/transcripts", func(c echo.Context) error {
		return listTranscripts(c, deps.Transcripts, logger)
	})

	v1.GET("/transcripts/:id", func(c echo.Context) error {
		return getTranscript(c, deps.Transcripts, logger)
	})

	// WebSocket endpoint, JWT validated when a secret is configured
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(deps.Hub, deps.Auth, c, logger)
	})
}

func listTranscripts(c echo.Context, transcripts repositories.TranscriptRepository, logger *zap.Logger) error {
	limit := defaultTranscriptLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(parsed, maxTranscriptLimit)
	}

	ctx := c.Request().Context()
	deviceID := c.QueryParam("device_id")

	var (
		list []*entities.Transcript
		err  error
	)
	if deviceID != "" {
		list, err = transcripts.ListByDeviceID(ctx, deviceID, limit)
	} else {
		list, err = transcripts.ListRecent(ctx, limit)
	}
	if err != nil {
		logger.Error("Failed to list transcripts", zap.String("device_id", deviceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list transcripts",
		})
	}

	return c.JSON(http.StatusOK, TranscriptsResponse{Transcripts: list, Count: len(list)})
}

func getTranscript(c echo.Context, transcripts repositories.TranscriptRepository, logger *zap.Logger) error {
	transcript, err := transcripts.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrTranscriptNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Transcript not found",
			})
		}
		logger.Error("Failed to get transcript", zap.String("id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to get transcript",
		})
	}
	return c.JSON(http.StatusOK, transcript)
}

// websocketWithAuth resolves the device identity and hands the connection to the hub
func websocketWithAuth(hub *websocket.Hub, authenticator *auth.Authenticator, c echo.Context, logger *zap.Logger) error {
	if authenticator == nil || !authenticator.Enabled() {
		return websocket.HandleWebSocket(hub, c, c.QueryParam("device_id"))
	}

	// Bearer header, or ?token= for firmware that cannot set headers
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" {
		token = c.QueryParam("token")
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	deviceID, err := authenticator.ValidateDeviceToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Info("WebSocket connection authenticated", zap.String("device_id", deviceID))
	return websocket.HandleWebSocket(hub, c, deviceID)
}
