package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/domain/repositories"
)

const (
	defaultInterval     = 30 * time.Minute
	defaultInitialDelay = 1 * time.Minute
	cleanupTimeout      = 5 * time.Minute
)

// CleanupService periodically deletes transcripts older than the retention window
type CleanupService struct {
	transcripts  repositories.TranscriptRepository
	retention    time.Duration
	interval     time.Duration
	initialDelay time.Duration
	logger       *zap.Logger
	stopChan     chan struct{}
	doneChan     chan struct{}
	now          func() time.Time
}

// NewCleanupService creates a new transcript cleanup service
func NewCleanupService(transcripts repositories.TranscriptRepository, retention time.Duration, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		transcripts:  transcripts,
		retention:    retention,
		interval:     defaultInterval,
		initialDelay: defaultInitialDelay,
		logger:       logger,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// Start begins the background cleanup process
func (s *CleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Transcript cleanup service started", zap.Duration("retention", s.retention))
}

// Stop gracefully stops the cleanup service
func (s *CleanupService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info("Transcript cleanup service stopped")
}

func (s *CleanupService) cleanupLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial cleanup shortly after startup
	initialTimer := time.NewTimer(s.initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.RunOnce()
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce deletes expired transcripts and returns how many were removed
func (s *CleanupService) RunOnce() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	deleted, err := s.transcripts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to delete expired transcripts", zap.Error(err))
		return 0
	}

	s.logger.Info("Transcript cleanup completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted
}
