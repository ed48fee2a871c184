package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain/entities"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const (
	defaultTopic          = "arunika/relay/transcripts"
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// Config holds the broker settings
type Config struct {
	// Broker accepts mqtt://, mqtts://, tcp:// or ssl:// URLs with optional user info
	Broker   string
	Topic    string
	ClientID string
}

// Publisher forwards final transcripts to an MQTT broker so downstream
// backends can react to device speech.
type Publisher struct {
	client paho.Client
	topic  string
	logger *zap.Logger
}

// TranscriptEvent is the JSON payload published per transcript
type TranscriptEvent struct {
	TranscriptID   string `json:"transcript_id"`
	RelaySessionID string `json:"relay_session_id"`
	DeviceID       string `json:"device_id,omitempty"`
	Provider       string `json:"provider"`
	Text           string `json:"text"`
	DurationMs     int64  `json:"duration_ms"`
	Time           int64  `json:"time"`
}

// NewPublisher connects to the broker
func NewPublisher(config Config, logger *zap.Logger) (*Publisher, error) {
	options, err := clientOptions(config)
	if err != nil {
		return nil, err
	}

	options.OnConnect = func(paho.Client) {
		logger.Info("MQTT connected", zap.String("clientID", config.ClientID))
	}
	options.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := paho.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	topic := config.Topic
	if topic == "" {
		topic = defaultTopic
	}

	return &Publisher{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// clientOptions translates the broker URL into paho options
func clientOptions(config Config) (*paho.ClientOptions, error) {
	u, err := url.Parse(config.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt broker url: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "mqtt", "tcp":
		scheme = "tcp"
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
	default:
		return nil, fmt.Errorf("mqtt broker url: unknown scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = "1883"
		if scheme == "ssl" {
			port = "8883"
		}
	}

	options := paho.NewClientOptions()
	options.AddBroker(fmt.Sprintf("%s://%s:%s", scheme, u.Hostname(), port))
	options.SetClientID(config.ClientID)
	options.SetAutoReconnect(true)
	options.SetConnectRetry(true)
	if u.User != nil {
		options.SetUsername(u.User.Username())
		if password, ok := u.User.Password(); ok {
			options.SetPassword(password)
		}
	}
	return options, nil
}

// TopicFor returns the topic a transcript is published on
func (p *Publisher) TopicFor(transcript *entities.Transcript) string {
	if transcript.DeviceID == "" {
		return p.topic
	}
	return p.topic + "/" + transcript.DeviceID
}

// Publish implements repositories.TranscriptPublisher
func (p *Publisher) Publish(ctx context.Context, transcript *entities.Transcript) error {
	payload, err := json.Marshal(newTranscriptEvent(transcript))
	if err != nil {
		return err
	}

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	topic := p.TopicFor(transcript)
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	p.logger.Debug("Transcript published", zap.String("topic", topic), zap.String("transcriptID", transcript.ID))
	return nil
}

// Close implements repositories.TranscriptPublisher
func (p *Publisher) Close() error {
	p.client.Disconnect(disconnectQuiesceMs)
	return nil
}

func newTranscriptEvent(transcript *entities.Transcript) TranscriptEvent {
	return TranscriptEvent{
		TranscriptID:   transcript.ID,
		RelaySessionID: transcript.RelaySessionID,
		DeviceID:       transcript.DeviceID,
		Provider:       transcript.Provider,
		Text:           transcript.Text,
		DurationMs:     transcript.DurationMs,
		Time:           transcript.CreatedAt.Unix(),
	}
}

var _ repositories.TranscriptPublisher = (*Publisher)(nil)
