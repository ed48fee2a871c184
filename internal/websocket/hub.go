package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/metrics"
	"github.com/satriahrh/arunika/relay/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBufferSize = 256
)

var (
	errClientClosed   = errors.New("client connection closed")
	errSendBufferFull = errors.New("client send buffer full")
	errHubStopped     = errors.New("hub stopped")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices do not send an Origin header
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
}

// Hub maintains the set of connected devices. Each client owns its own
// relay session; nothing is shared between connections.
type Hub struct {
	// Registered clients keyed by relay session id.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	transcriber repositories.Transcriber
	config      relay.Config
	transcripts repositories.TranscriptRepository
	publisher   repositories.TranscriptPublisher

	// Parent context of every relay session, cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a new WebSocket hub. transcripts and publisher may be nil.
func NewHub(
	transcriber repositories.Transcriber,
	config relay.Config,
	transcripts repositories.TranscriptRepository,
	publisher repositories.TranscriptPublisher,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		transcriber: transcriber,
		config:      config,
		transcripts: transcripts,
		publisher:   publisher,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		metrics:     m,
	}
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.sessionID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("sessionID", client.sessionID),
				zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.sessionID)
			h.mu.Unlock()
			h.logger.Info("Client unregistered",
				zap.String("sessionID", client.sessionID),
				zap.String("deviceID", client.deviceID))

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.mu.Lock()
		delete(h.clients, client.sessionID)
		h.mu.Unlock()
	}
}

// Shutdown ends every relay session. Sessions flush what they can and close
// their device connections.
func (h *Hub) Shutdown() {
	h.cancel()
}

// Sessions returns a snapshot of the active relay sessions, oldest first
func (h *Hub) Sessions() []relay.SessionInfo {
	h.mu.RLock()
	infos := make([]relay.SessionInfo, 0, len(h.clients))
	for _, client := range h.clients {
		infos = append(infos, client.session.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its relay session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; see closed.
	send chan WriteData

	// Closed by Close to make writePump send a close frame.
	closed      chan struct{}
	closeOnce   sync.Once
	closeReason string

	sessionID string
	deviceID  string
	session   *relay.Session

	logger *zap.Logger
}

// HandleWebSocket upgrades the request and starts a relay session for the
// device. deviceID may be empty when authentication is disabled.
func HandleWebSocket(hub *Hub, c echo.Context, deviceID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	sessionID := uuid.New().String()
	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, sendBufferSize),
		closed:    make(chan struct{}),
		sessionID: sessionID,
		deviceID:  deviceID,
		logger: hub.logger.With(
			zap.String("sessionID", sessionID),
			zap.String("remoteAddr", c.RealIP())),
	}
	client.session = relay.NewSession(sessionID, deviceID, client, hub.transcriber, hub.config, hub.logger, hub.metrics).
		WithTranscriptStore(hub.transcripts, hub.publisher)

	if !hub.add(client) {
		conn.Close()
		return errHubStopped
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.session.Run(hub.ctx)
	go client.writePump()
	go client.readPump()

	return nil
}

// SendJSON implements relay.DeviceSink. It never blocks the relay session.
func (c *Client) SendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errClientClosed
	default:
	}

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	default:
		c.logger.Warn("Send buffer full, dropping message")
		return errSendBufferFull
	}
}

// Close implements relay.DeviceSink
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
}

// readPump pumps frames from the websocket connection to the relay session.
func (c *Client) readPump() {
	defer func() {
		c.session.OnDisconnect()
		c.hub.remove(c)
		c.Close("")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.session.OnControlSignal(string(message))
		case websocket.BinaryMessage:
			c.session.OnAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the relay session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-c.closed:
			c.flushAndClose()
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message WriteData) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(message.Type, message.Payload)
}

// flushAndClose writes queued messages, then a close frame carrying the reason
func (c *Client) flushAndClose() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
			continue
		default:
		}
		break
	}

	code := websocket.CloseNormalClosure
	switch c.closeReason {
	case "":
	case relay.CloseReasonShutdown:
		code = websocket.CloseGoingAway
	default:
		code = websocket.CloseInternalServerErr
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, c.closeReason))
}
