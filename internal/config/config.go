package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/satriahrh/arunika/relay/internal/relay"
)

// Supported provider names
const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
	ProviderGoogle = "google"
	ProviderMock   = "mock"
)

// Config is the relay server configuration. Values are read from an optional
// YAML file, then .env, then the process environment; later sources win.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Relay    RelayConfig    `yaml:"relay"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// JWTSecret enables device token checks on /ws when set
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RelayConfig struct {
	MinSendBytes    int    `yaml:"min_send_bytes"`
	MaxFrameBytes   int    `yaml:"max_frame_bytes"`
	MaxPendingBytes int    `yaml:"max_pending_bytes"`
	IdleFlushMs     int    `yaml:"idle_flush_ms"`
	SampleRate      int    `yaml:"sample_rate"`
	Language        string `yaml:"language"`
	Instructions    string `yaml:"instructions"`
}

type ProviderConfig struct {
	Name   string       `yaml:"name"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Yandex YandexConfig `yaml:"yandex"`
	Google GoogleConfig `yaml:"google"`
}

type OpenAIConfig struct {
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
	RealtimeURL string `yaml:"realtime_url"`
}

type YandexConfig struct {
	APIKey   string `yaml:"api_key"`
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
	Endpoint string `yaml:"endpoint"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

type StorageConfig struct {
	MongoURI       string `yaml:"mongodb_uri"`
	MongoDatabase  string `yaml:"mongodb_database"`
	RetentionHours int    `yaml:"retention_hours"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	defaults := relay.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Relay: RelayConfig{
			MinSendBytes:    defaults.MinSendBytes,
			MaxFrameBytes:   defaults.Upstream.MaxFrameBytes,
			MaxPendingBytes: defaults.Upstream.MaxPendingBytes,
			IdleFlushMs:     int(defaults.IdleFlush / time.Millisecond),
			// Zero sample rate and language defer to the provider
		},
		Provider: ProviderConfig{Name: ProviderOpenAI},
		Storage: StorageConfig{
			MongoDatabase:  "arunika_relay",
			RetentionHours: 24 * 7,
		},
		MQTT: MQTTConfig{
			Topic:    "arunika/relay/transcripts",
			ClientID: "arunika-relay",
		},
	}
}

// Load builds the configuration from path (may be empty), .env and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	setString(&c.Provider.Name, "PROVIDER")
	setString(&c.Provider.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Provider.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.Provider.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Provider.OpenAI.RealtimeURL, "OPENAI_REALTIME_URL")
	setString(&c.Provider.Yandex.APIKey, "YANDEX_API_KEY")
	setString(&c.Provider.Yandex.IAMToken, "YANDEX_IAM_TOKEN")
	setString(&c.Provider.Yandex.FolderID, "YANDEX_FOLDER_ID")
	setString(&c.Provider.Yandex.Endpoint, "YANDEX_ENDPOINT")
	setString(&c.Provider.Google.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&c.Provider.Google.Endpoint, "GOOGLE_SPEECH_ENDPOINT")

	setString(&c.Relay.Instructions, "RESPONSE_INSTRUCTIONS")
	setString(&c.Relay.Language, "STT_LANGUAGE")

	setString(&c.Storage.MongoURI, "MONGODB_URI")
	setString(&c.Storage.MongoDatabase, "MONGODB_DATABASE")

	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setString(&c.MQTT.Topic, "MQTT_TOPIC")
	setString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")

	ints := []struct {
		key    string
		target *int
	}{
		{"SAMPLE_RATE", &c.Relay.SampleRate},
		{"MIN_SEND_BYTES", &c.Relay.MinSendBytes},
		{"MAX_FRAME_BYTES", &c.Relay.MaxFrameBytes},
		{"MAX_PENDING_BYTES", &c.Relay.MaxPendingBytes},
		{"IDLE_FLUSH_MS", &c.Relay.IdleFlushMs},
		{"TRANSCRIPT_RETENTION_HOURS", &c.Storage.RetentionHours},
	}
	for _, entry := range ints {
		if err := setInt(entry.target, entry.key); err != nil {
			return err
		}
	}

	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	return nil
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setInt(target *int, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*target = parsed
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.validateRelay(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := c.validateProvider(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if c.Storage.RetentionHours < 0 {
		return fmt.Errorf("storage config: retention hours must not be negative")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt config: topic is required when a broker is set")
	}
	return nil
}

func (c *Config) validateServer() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRelay() error {
	r := c.Relay
	switch {
	case r.MinSendBytes <= 0:
		return fmt.Errorf("min send bytes must be positive")
	case r.MaxFrameBytes <= 0:
		return fmt.Errorf("max frame bytes must be positive")
	case r.MaxPendingBytes < r.MaxFrameBytes:
		return fmt.Errorf("max pending bytes (%d) must be at least max frame bytes (%d)", r.MaxPendingBytes, r.MaxFrameBytes)
	case r.IdleFlushMs < 0:
		return fmt.Errorf("idle flush must not be negative")
	case r.SampleRate < 0:
		return fmt.Errorf("sample rate must not be negative")
	}
	return nil
}

func (c *Config) validateProvider() error {
	switch c.Provider.Name {
	case ProviderOpenAI:
		if c.Provider.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider openai")
		}
	case ProviderYandex:
		if c.Provider.Yandex.APIKey == "" && c.Provider.Yandex.IAMToken == "" {
			return fmt.Errorf("YANDEX_API_KEY or YANDEX_IAM_TOKEN is required for provider yandex")
		}
	case ProviderGoogle, ProviderMock:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	return nil
}

// SessionConfig maps the relay section onto relay session settings
func (c *Config) SessionConfig() relay.Config {
	config := relay.DefaultConfig()
	config.MinSendBytes = c.Relay.MinSendBytes
	config.IdleFlush = time.Duration(c.Relay.IdleFlushMs) * time.Millisecond
	config.Instructions = c.Relay.Instructions
	config.Audio.SampleRate = c.SampleRate()
	config.Audio.Language = c.Relay.Language
	config.Upstream.MaxFrameBytes = c.Relay.MaxFrameBytes
	config.Upstream.MaxPendingBytes = c.Relay.MaxPendingBytes
	return config
}

// SampleRate returns the configured input rate, or the provider's default
// when SAMPLE_RATE is unset. SpeechKit v2 takes LINEAR16 at 8, 16 or 48 kHz
// only; the other providers get the device's native 24 kHz.
func (c *Config) SampleRate() int {
	if c.Relay.SampleRate > 0 {
		return c.Relay.SampleRate
	}
	if c.Provider.Name == ProviderYandex {
		return 16000
	}
	return relay.DefaultSampleRate
}

// Retention returns the transcript retention period, zero when disabled
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionHours) * time.Hour
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return level, nil
}

// NewLogger builds the process logger: JSON production encoding unless the
// format is "console"
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
