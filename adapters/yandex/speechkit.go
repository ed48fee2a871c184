package yandex

import (
	"context"
	"crypto/tls"
	"fmt"

	stt "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/satriahrh/arunika/relay/adapters/grpcstream"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const (
	providerName = "yandex"

	defaultEndpoint = "stt.api.cloud.yandex.net:443"
	defaultModel    = "general"
)

// SpeechKitConfig holds configuration for Yandex SpeechKit streaming recognition
// Required fields:
// - APIKey or IAMToken: service account API key or IAM token
// Optional fields with defaults:
// - FolderID: required by SpeechKit when authenticating with an IAM token
// - Endpoint: gRPC endpoint (default: "stt.api.cloud.yandex.net:443")
// - Model: recognition model (default: "general")
type SpeechKitConfig struct {
	APIKey   string
	IAMToken string
	FolderID string
	Endpoint string
	Model    string
	// Insecure disables TLS, for local test servers only
	Insecure bool
}

// SpeechKit implements repositories.Transcriber on SpeechKit STT v2
type SpeechKit struct {
	conn     *grpc.ClientConn
	client   stt.SttServiceClient
	folderID string
	model    string
	logger   *zap.Logger
}

var _ repositories.Transcriber = (*SpeechKit)(nil)

// ValidateSpeechKitConfig validates the SpeechKitConfig
func ValidateSpeechKitConfig(config SpeechKitConfig) error {
	if config.APIKey == "" && config.IAMToken == "" {
		return fmt.Errorf("yandex API key or IAM token is required")
	}
	if config.IAMToken != "" && config.APIKey == "" && config.FolderID == "" {
		return fmt.Errorf("yandex folder ID is required with an IAM token")
	}
	return nil
}

// callCredentials attaches the SpeechKit authorization header to every call
type callCredentials struct {
	authorization string
	secure        bool
}

func (c callCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": c.authorization}, nil
}

func (c callCredentials) RequireTransportSecurity() bool {
	return c.secure
}

func newCallCredentials(config SpeechKitConfig) callCredentials {
	if config.APIKey != "" {
		return callCredentials{authorization: "Api-Key " + config.APIKey, secure: !config.Insecure}
	}
	return callCredentials{authorization: "Bearer " + config.IAMToken, secure: !config.Insecure}
}

// NewSpeechKit creates a SpeechKit transcriber. The gRPC connection is shared
// by all relay sessions.
func NewSpeechKit(config SpeechKitConfig, logger *zap.Logger) (*SpeechKit, error) {
	if err := ValidateSpeechKitConfig(config); err != nil {
		return nil, err
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
		logger.Info("Using default SpeechKit endpoint", zap.String("endpoint", endpoint))
	}

	model := config.Model
	if model == "" {
		model = defaultModel
	}

	transport := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if config.Insecure {
		transport = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(endpoint, transport, grpc.WithPerRPCCredentials(newCallCredentials(config)))
	if err != nil {
		return nil, fmt.Errorf("failed to create SpeechKit client: %w", err)
	}

	return &SpeechKit{
		conn:     conn,
		client:   stt.NewSttServiceClient(conn),
		folderID: config.FolderID,
		model:    model,
		logger:   logger.With(zap.String("provider", providerName)),
	}, nil
}

// Name implements repositories.Transcriber
func (s *SpeechKit) Name() string {
	return providerName
}

// Close releases the shared gRPC connection
func (s *SpeechKit) Close() error {
	return s.conn.Close()
}

// Connect implements repositories.Transcriber
func (s *SpeechKit) Connect(ctx context.Context, config repositories.AudioConfig, handler repositories.UpstreamHandler) (repositories.UpstreamConn, error) {
	recognition := s.recognitionConfig(config)

	open := func(streamCtx context.Context) (grpcstream.Stream, error) {
		client, err := s.client.StreamingRecognize(streamCtx)
		if err != nil {
			return nil, err
		}
		err = client.Send(&stt.StreamingRecognitionRequest{
			StreamingRequest: &stt.StreamingRecognitionRequest_Config{Config: recognition},
		})
		if err != nil {
			client.CloseSend()
			return nil, fmt.Errorf("failed to send recognition config: %w", err)
		}
		return &recognizeStream{client: client}, nil
	}

	conn, err := grpcstream.Dial(ctx, providerName, open, handler, s.logger)
	if err != nil {
		return nil, err
	}

	s.logger.Info("SpeechKit stream opened",
		zap.String("language", recognition.Specification.LanguageCode),
		zap.Int64("sampleRate", recognition.Specification.SampleRateHertz))
	return conn, nil
}

func (s *SpeechKit) recognitionConfig(config repositories.AudioConfig) *stt.RecognitionConfig {
	sampleRate := int64(config.SampleRate)
	if sampleRate == 0 {
		sampleRate = 16000
	}
	language := config.Language
	if language == "" {
		language = "ru-RU"
	}

	return &stt.RecognitionConfig{
		FolderId: s.folderID,
		Specification: &stt.RecognitionSpec{
			AudioEncoding:   stt.RecognitionSpec_LINEAR16_PCM,
			SampleRateHertz: sampleRate,
			LanguageCode:    language,
			Model:           s.model,
			PartialResults:  true,
		},
	}
}

type recognizeStream struct {
	client stt.SttService_StreamingRecognizeClient
}

func (r *recognizeStream) Send(pcm []byte) error {
	return r.client.Send(&stt.StreamingRecognitionRequest{
		StreamingRequest: &stt.StreamingRecognitionRequest_AudioContent{AudioContent: pcm},
	})
}

func (r *recognizeStream) CloseSend() error {
	return r.client.CloseSend()
}

func (r *recognizeStream) Recv() ([]grpcstream.Result, error) {
	resp, err := r.client.Recv()
	if err != nil {
		return nil, err
	}
	return convertResponse(resp), nil
}

func convertResponse(resp *stt.StreamingRecognitionResponse) []grpcstream.Result {
	results := make([]grpcstream.Result, 0, len(resp.GetChunks()))
	for _, chunk := range resp.GetChunks() {
		alternatives := chunk.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		results = append(results, grpcstream.Result{
			Text:  alternatives[0].GetText(),
			Final: chunk.GetFinal(),
		})
	}
	return results
}
