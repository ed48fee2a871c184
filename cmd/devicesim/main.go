// Command devicesim streams a raw PCM16 file to the relay the way a device
// does and prints every message the relay sends back.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/internal/auth"
	"github.com/satriahrh/arunika/relay/internal/relay"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	deviceID := flag.String("device", "devicesim", "device id")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint a device token")
	file := flag.String("file", "", "raw PCM16 mono file; a 1 s test tone when empty")
	sampleRate := flag.Int("rate", relay.DefaultSampleRate, "sample rate of the generated tone")
	chunkSize := flag.Int("chunk", 1024, "bytes per binary frame")
	wait := flag.Duration("wait", 15*time.Second, "how long to wait for the transcript")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	audio, err := loadAudio(*file, *sampleRate)
	if err != nil {
		logger.Fatal("Failed to load audio", zap.Error(err))
	}

	wsURL, err := url.Parse(*serverURL)
	if err != nil {
		logger.Fatal("Invalid relay URL", zap.Error(err))
	}
	query := wsURL.Query()
	query.Set("device_id", *deviceID)
	wsURL.RawQuery = query.Encode()

	header := http.Header{}
	if *secret != "" {
		token, err := auth.NewAuthenticator(*secret).GenerateDeviceToken(*deviceID)
		if err != nil {
			logger.Fatal("Failed to mint device token", zap.Error(err))
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		if resp != nil {
			logger.Fatal("WebSocket connection failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		logger.Fatal("WebSocket connection failed", zap.Error(err))
	}
	defer conn.Close()

	logger.Info("Connected", zap.String("url", wsURL.String()))

	done := make(chan struct{})
	go readMessages(conn, logger, done)

	// Real-time pacing for PCM16 mono
	interval := time.Duration(float64(*chunkSize) / float64(2**sampleRate) * float64(time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("STREAM_STARTED")); err != nil {
		logger.Fatal("Failed to send start signal", zap.Error(err))
	}
	for offset := 0; offset < len(audio); offset += *chunkSize {
		end := min(offset+*chunkSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[offset:end]); err != nil {
			logger.Fatal("Failed to send audio", zap.Error(err))
		}
		time.Sleep(interval)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("STREAM_STOPPED")); err != nil {
		logger.Fatal("Failed to send stop signal", zap.Error(err))
	}
	logger.Info("Audio sent", zap.Int("bytes", len(audio)))

	select {
	case <-done:
	case <-time.After(*wait):
		logger.Warn("No transcript before timeout")
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readMessages prints relay messages and closes done on the first transcript
func readMessages(conn *websocket.Conn, logger *zap.Logger, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("Connection closed", zap.Error(err))
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Non-JSON message", zap.ByteString("data", data))
			continue
		}
		logger.Info("Received", zap.Any("message", msg))

		if msg["type"] == string(relay.MessageTypeTranscript) {
			close(done)
			return
		}
	}
}

func loadAudio(path string, sampleRate int) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}

	// 440 Hz tone, one second
	audio := make([]byte, 2*sampleRate)
	for i := 0; i < sampleRate; i++ {
		sample := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(audio[2*i:], uint16(sample))
	}
	return audio, nil
}
