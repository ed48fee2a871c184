package provider

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/adapters/google"
	"github.com/satriahrh/arunika/relay/adapters/mock"
	"github.com/satriahrh/arunika/relay/adapters/openai"
	"github.com/satriahrh/arunika/relay/adapters/yandex"
	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/config"
)

const mockReadyDelay = 50 * time.Millisecond

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the transcriber selected by cfg.Name. The returned closer
// releases shared provider clients on shutdown.
func New(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (repositories.Transcriber, io.Closer, error) {
	switch cfg.Name {
	case config.ProviderOpenAI:
		realtime, err := openai.NewRealtime(openai.RealtimeConfig{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			RealtimeURL: cfg.OpenAI.RealtimeURL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return realtime, nopCloser{}, nil

	case config.ProviderYandex:
		speechKit, err := yandex.NewSpeechKit(yandex.SpeechKitConfig{
			APIKey:   cfg.Yandex.APIKey,
			IAMToken: cfg.Yandex.IAMToken,
			FolderID: cfg.Yandex.FolderID,
			Endpoint: cfg.Yandex.Endpoint,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return speechKit, speechKit, nil

	case config.ProviderGoogle:
		speech, err := google.NewSpeech(ctx, google.SpeechConfig{
			CredentialsFile: cfg.Google.CredentialsFile,
			Endpoint:        cfg.Google.Endpoint,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return speech, speech, nil

	case config.ProviderMock:
		return mock.NewTranscriber(mockReadyDelay, logger), nopCloser{}, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, cfg.Name)
}
