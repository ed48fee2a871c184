package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/arunika/relay/domain/entities"
)

// TranscriptRepository defines data access methods for transcripts
type TranscriptRepository interface {
	Create(ctx context.Context, transcript *entities.Transcript) error
	GetByID(ctx context.Context, id string) (*entities.Transcript, error)
	ListByDeviceID(ctx context.Context, deviceID string, limit int) ([]*entities.Transcript, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error)
	// DeleteOlderThan removes transcripts created before cutoff and returns how many were removed
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TranscriptPublisher forwards completed transcripts to a downstream backend
type TranscriptPublisher interface {
	Publish(ctx context.Context, transcript *entities.Transcript) error
	Close() error
}
