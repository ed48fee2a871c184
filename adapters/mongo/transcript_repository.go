package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const transcriptsCollection = "transcripts"

// TranscriptRepository stores transcripts in the "transcripts" collection
type TranscriptRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewTranscriptRepository creates a new MongoDB transcript repository
func NewTranscriptRepository(db *mongo.Database, logger *zap.Logger) *TranscriptRepository {
	return &TranscriptRepository{
		collection: db.Collection(transcriptsCollection),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes used by listing and retention queries
func (r *TranscriptRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}

	names, err := r.collection.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("failed to create transcript indexes: %w", err)
	}

	r.logger.Info("Transcript indexes ready", zap.Strings("indexes", names))
	return nil
}

// Create implements repositories.TranscriptRepository
func (r *TranscriptRepository) Create(ctx context.Context, transcript *entities.Transcript) error {
	if transcript == nil {
		return errors.New("transcript cannot be nil")
	}
	if err := transcript.Validate(); err != nil {
		return err
	}
	if transcript.CreatedAt.IsZero() {
		transcript.CreatedAt = time.Now()
	}

	if _, err := r.collection.InsertOne(ctx, transcript); err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.Transcript, error) {
	if id == "" {
		return nil, errors.New("transcript ID cannot be empty")
	}

	var transcript entities.Transcript
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&transcript)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("failed to get transcript %s: %w", id, err)
	}
	return &transcript, nil
}

// ListByDeviceID implements repositories.TranscriptRepository. Newest first.
func (r *TranscriptRepository) ListByDeviceID(ctx context.Context, deviceID string, limit int) ([]*entities.Transcript, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}
	return r.find(ctx, bson.M{"device_id": deviceID}, limit)
}

// ListRecent implements repositories.TranscriptRepository. Newest first.
func (r *TranscriptRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error) {
	return r.find(ctx, bson.M{}, limit)
}

// DeleteOlderThan implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete transcripts older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return result.DeletedCount, nil
}

func (r *TranscriptRepository) find(ctx context.Context, filter bson.M, limit int) ([]*entities.Transcript, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer cursor.Close(ctx)

	transcripts := []*entities.Transcript{}
	if err := cursor.All(ctx, &transcripts); err != nil {
		return nil, fmt.Errorf("failed to decode transcripts: %w", err)
	}
	return transcripts, nil
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)
