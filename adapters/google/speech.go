package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/satriahrh/arunika/relay/adapters/grpcstream"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const providerName = "google"

// SpeechConfig holds configuration for Google Cloud Speech-to-Text
// Optional fields:
// - CredentialsFile: service account JSON; application default credentials otherwise
// - Endpoint: overrides the API endpoint
// - Model: recognition model, provider default when empty
type SpeechConfig struct {
	CredentialsFile string
	Endpoint        string
	Model           string
}

// Speech implements repositories.Transcriber on Google Cloud StreamingRecognize
type Speech struct {
	client *speech.Client
	model  string
	logger *zap.Logger
}

var _ repositories.Transcriber = (*Speech)(nil)

// NewSpeech creates the Speech client shared by all relay sessions
func NewSpeech(ctx context.Context, config SpeechConfig, logger *zap.Logger, opts ...option.ClientOption) (*Speech, error) {
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	return &Speech{
		client: client,
		model:  config.Model,
		logger: logger.With(zap.String("provider", providerName)),
	}, nil
}

// Name implements repositories.Transcriber
func (g *Speech) Name() string {
	return providerName
}

// Close releases the Speech client
func (g *Speech) Close() error {
	return g.client.Close()
}

// Connect implements repositories.Transcriber
func (g *Speech) Connect(ctx context.Context, config repositories.AudioConfig, handler repositories.UpstreamHandler) (repositories.UpstreamConn, error) {
	recognitionConfig, err := g.recognitionConfig(config)
	if err != nil {
		return nil, err
	}

	open := func(streamCtx context.Context) (grpcstream.Stream, error) {
		stream, err := g.client.StreamingRecognize(streamCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
		}

		if err := stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config:         recognitionConfig,
					InterimResults: true,
				},
			},
		}); err != nil {
			stream.CloseSend()
			return nil, fmt.Errorf("failed to send streaming config: %w", err)
		}
		return &recognizeStream{stream: stream}, nil
	}

	conn, err := grpcstream.Dial(ctx, providerName, open, handler, g.logger)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Speech stream opened",
		zap.String("language", recognitionConfig.LanguageCode),
		zap.Int32("sampleRate", recognitionConfig.SampleRateHertz))
	return conn, nil
}

func (g *Speech) recognitionConfig(config repositories.AudioConfig) (*speechpb.RecognitionConfig, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	language := config.Language
	if language == "" {
		language = "en-US"
	}
	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}

	return &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(sampleRate),
		LanguageCode:               language,
		Model:                      g.model,
		EnableAutomaticPunctuation: true,
	}, nil
}

type recognizeStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
}

func (r *recognizeStream) Send(pcm []byte) error {
	return r.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
}

func (r *recognizeStream) CloseSend() error {
	return r.stream.CloseSend()
}

func (r *recognizeStream) Recv() ([]grpcstream.Result, error) {
	resp, err := r.stream.Recv()
	if err != nil {
		return nil, err
	}
	return convertResponse(resp), nil
}

func convertResponse(resp *speechpb.StreamingRecognizeResponse) []grpcstream.Result {
	results := make([]grpcstream.Result, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		// Take the best alternative
		if len(result.Alternatives) == 0 {
			continue
		}
		results = append(results, grpcstream.Result{
			Text:  strings.TrimSpace(result.Alternatives[0].Transcript),
			Final: result.IsFinal,
		})
	}
	return results
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "", "PCM16", "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
