package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/satriahrh/arunika/relay/domain"
	"github.com/satriahrh/arunika/relay/domain/entities"
)

// MemoryTranscriptRepository is an in-memory TranscriptRepository used when
// no MongoDB URI is configured. History is lost on restart.
type MemoryTranscriptRepository struct {
	mu          sync.RWMutex
	transcripts map[string]*entities.Transcript   // id -> transcript
	devices     map[string][]*entities.Transcript // device_id -> transcripts in insertion order
	ordered     []*entities.Transcript
}

// NewMemoryTranscriptRepository creates a new in-memory transcript repository
func NewMemoryTranscriptRepository() *MemoryTranscriptRepository {
	return &MemoryTranscriptRepository{
		transcripts: make(map[string]*entities.Transcript),
		devices:     make(map[string][]*entities.Transcript),
	}
}

// Create implements repositories.TranscriptRepository
func (m *MemoryTranscriptRepository) Create(ctx context.Context, transcript *entities.Transcript) error {
	if transcript == nil {
		return errors.New("transcript cannot be nil")
	}
	if err := transcript.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transcripts[transcript.ID]; exists {
		return errors.New("transcript with this id already exists")
	}

	// Store a copy so callers cannot mutate stored state
	transcriptCopy := *transcript
	if transcriptCopy.CreatedAt.IsZero() {
		transcriptCopy.CreatedAt = time.Now()
	}

	m.transcripts[transcriptCopy.ID] = &transcriptCopy
	m.ordered = append(m.ordered, &transcriptCopy)
	if transcriptCopy.DeviceID != "" {
		m.devices[transcriptCopy.DeviceID] = append(m.devices[transcriptCopy.DeviceID], &transcriptCopy)
	}
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (m *MemoryTranscriptRepository) GetByID(ctx context.Context, id string) (*entities.Transcript, error) {
	if id == "" {
		return nil, errors.New("transcript ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	transcript, exists := m.transcripts[id]
	if !exists {
		return nil, domain.ErrTranscriptNotFound
	}

	transcriptCopy := *transcript
	return &transcriptCopy, nil
}

// ListByDeviceID implements repositories.TranscriptRepository. Newest first.
func (m *MemoryTranscriptRepository) ListByDeviceID(ctx context.Context, deviceID string, limit int) ([]*entities.Transcript, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return newestFirst(m.devices[deviceID], limit), nil
}

// ListRecent implements repositories.TranscriptRepository. Newest first.
func (m *MemoryTranscriptRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return newestFirst(m.ordered, limit), nil
}

// DeleteOlderThan implements repositories.TranscriptRepository
func (m *MemoryTranscriptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	kept := m.ordered[:0]
	for _, transcript := range m.ordered {
		if transcript.CreatedAt.Before(cutoff) {
			delete(m.transcripts, transcript.ID)
			deleted++
			continue
		}
		kept = append(kept, transcript)
	}
	for i := len(kept); i < len(m.ordered); i++ {
		m.ordered[i] = nil
	}
	m.ordered = kept

	for deviceID, transcripts := range m.devices {
		remaining := make([]*entities.Transcript, 0, len(transcripts))
		for _, transcript := range transcripts {
			if _, ok := m.transcripts[transcript.ID]; ok {
				remaining = append(remaining, transcript)
			}
		}
		if len(remaining) == 0 {
			delete(m.devices, deviceID)
		} else {
			m.devices[deviceID] = remaining
		}
	}

	return deleted, nil
}

func newestFirst(transcripts []*entities.Transcript, limit int) []*entities.Transcript {
	result := make([]*entities.Transcript, 0, len(transcripts))
	for _, transcript := range transcripts {
		transcriptCopy := *transcript
		result = append(result, &transcriptCopy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
