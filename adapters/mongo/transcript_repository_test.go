package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
)

// TestTranscriptRepository_Integration requires a running MongoDB instance
// (skipped if MONGODB_URI is not set)
func TestTranscriptRepository_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	client, err := NewClient(ctx, mongoURI, "arunika_relay_test", logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		client.Database.Drop(ctx)
		client.Close(ctx)
	}()

	repo := NewTranscriptRepository(client.Database, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		transcript := entities.NewTranscript("relay-1", "device-1", "mock", " hello ").WithAudio(32000, 16000)
		transcript.CreatedAt = now
		if err := repo.Create(ctx, transcript); err != nil {
			t.Fatalf("Failed to create transcript: %v", err)
		}

		got, err := repo.GetByID(ctx, transcript.ID)
		if err != nil {
			t.Fatalf("Failed to get transcript: %v", err)
		}
		if got.Text != "hello" || got.DurationMs != 1000 {
			t.Errorf("Unexpected transcript %+v", got)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrTranscriptNotFound) {
			t.Errorf("Expected ErrTranscriptNotFound, got %v", err)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		old := entities.NewTranscript("relay-2", "device-1", "mock", "old")
		old.CreatedAt = now.Add(-48 * time.Hour)
		if err := repo.Create(ctx, old); err != nil {
			t.Fatalf("Failed to create transcript: %v", err)
		}

		listed, err := repo.ListByDeviceID(ctx, "device-1", 10)
		if err != nil {
			t.Fatalf("Failed to list transcripts: %v", err)
		}
		if len(listed) != 2 || listed[0].Text != "hello" {
			t.Fatalf("Expected 2 transcripts newest first, got %d", len(listed))
		}

		deleted, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("Failed to delete transcripts: %v", err)
		}
		if deleted != 1 {
			t.Errorf("Expected 1 deleted, got %d", deleted)
		}

		recent, _ := repo.ListRecent(ctx, 10)
		if len(recent) != 1 {
			t.Errorf("Expected 1 transcript left, got %d", len(recent))
		}
	})
}
