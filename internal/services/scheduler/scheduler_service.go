package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
)

// Service implements SchedulerService. A single cron entry runs the
// destruction sweep; a processing flag skips overlapping runs when a sweep
// outlasts the schedule interval.
type Service struct {
	store        interfaces.JobStorage
	eventService interfaces.EventService
	cron         *cron.Cron
	logger       arbor.ILogger
	mu           sync.Mutex // Protects isProcessing
	isProcessing bool
	running      bool
}

// NewService creates a new scheduler service
func NewService(store interfaces.JobStorage, eventService interfaces.EventService, logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		store:        store,
		eventService: eventService,
		cron:         cron.New(),
		logger:       logger,
	}
}

// Start begins the scheduler with the given cron expression
func (s *Service) Start(cronExpr string) error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if cronExpr == "" {
		cronExpr = "@every 15m"
	}

	if _, err := s.cron.AddFunc(cronExpr, s.runSweep); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", cronExpr).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}

	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Maintenance scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	return s.running
}

// SweepNow runs one maintenance sweep immediately
func (s *Service) SweepNow() (int, error) {
	s.logger.Info().Msg("Manual maintenance sweep requested")
	return s.sweep()
}

// runSweep is the cron entry point
func (s *Service) runSweep() {
	// Panic recovery to prevent service crash
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in maintenance sweep")
		}
	}()

	s.mu.Lock()
	if s.isProcessing {
		s.logger.Debug().Msg("Previous sweep still running, skipping this cycle")
		s.mu.Unlock()
		return
	}
	s.isProcessing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isProcessing = false
		s.mu.Unlock()
	}()

	if _, err := s.sweep(); err != nil {
		s.logger.Error().Err(err).Msg("Maintenance sweep failed")
	}
}

// sweep deletes every job whose destruction time has passed
func (s *Service) sweep() (int, error) {
	ctx := context.Background()
	start := time.Now()

	expired, err := s.store.ListExpired(ctx, common.Now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		s.logger.Debug().Msg("No jobs due for destruction")
		return 0, nil
	}

	removed := 0
	for _, jobID := range expired {
		if err := s.store.Delete(ctx, jobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete expired job")
			continue
		}
		removed++
		s.publishDeleted(ctx, jobID)
	}

	s.logger.Info().
		Int("expired", len(expired)).
		Int("removed", removed).
		Dur("duration", time.Since(start)).
		Msg("Maintenance sweep completed")

	return removed, nil
}

func (s *Service) publishDeleted(ctx context.Context, jobID string) {
	if s.eventService == nil {
		return
	}
	event := interfaces.Event{
		Type:    interfaces.EventJobDeleted,
		Payload: map[string]interface{}{"job_id": jobID},
	}
	if err := s.eventService.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish job deleted event")
	}
}
