package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// jobRecord is the stored form of a job. Owner, Phase, Creation and
// Destruction are lifted out of the job document for queries and kept in
// sync on every write.
type jobRecord struct {
	ID          uint64 `badgerhold:"key"`
	Owner       string `badgerhold:"index"`
	Phase       models.ExecutionPhase
	Creation    time.Time
	Destruction time.Time
	Job         models.Job
}

// jobCounter allocates sequential job ids starting at 1
type jobCounter struct {
	ID   string `badgerhold:"key"`
	Next uint64
}

const jobCounterKey = "job_ids"

// errNoChange signals that a mutation decided to keep the stored record
// as-is. The transition helper treats it as success without a write.
var errNoChange = errors.New("no change")

// JobStorage implements Badger storage for jobs. Transitions are
// read-modify-write under a storage-level mutex so concurrent callbacks for
// the same job serialize and the first terminal outcome wins.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func parseJobID(jobID string) (uint64, bool) {
	id, err := strconv.ParseUint(jobID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func newJobRecord(id uint64, job *models.Job) *jobRecord {
	return &jobRecord{
		ID:          id,
		Owner:       job.Owner,
		Phase:       job.Phase,
		Creation:    job.CreationTime,
		Destruction: job.DestructionTime,
		Job:         *job,
	}
}

// nextID allocates the next job id. Caller must hold the mutex.
func (s *JobStorage) nextID() (uint64, error) {
	var counter jobCounter
	err := s.db.Store().Get(jobCounterKey, &counter)
	if err != nil && err != badgerhold.ErrNotFound {
		return 0, fmt.Errorf("failed to load job id counter: %w", err)
	}
	if counter.Next == 0 {
		counter = jobCounter{ID: jobCounterKey, Next: 1}
	}
	id := counter.Next
	counter.Next++
	if err := s.db.Store().Upsert(jobCounterKey, counter); err != nil {
		return 0, fmt.Errorf("failed to advance job id counter: %w", err)
	}
	return id, nil
}

// Add stores a new pending job and assigns its job id
func (s *JobStorage) Add(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextID()
	if err != nil {
		return err
	}
	job.JobID = strconv.FormatUint(id, 10)

	if err := s.db.Store().Insert(id, newJobRecord(id, job)); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.JobID).Str("owner", job.Owner).Msg("Job stored")
	return nil
}

// Get retrieves a job by id
func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.Job, error) {
	id, ok := parseJobID(jobID)
	if !ok {
		return nil, models.NewUnknownJobError(jobID)
	}

	var record jobRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewUnknownJobError(jobID)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	job := record.Job
	return &job, nil
}

// List returns brief descriptions of the owner's jobs, newest first with
// ties broken by job id descending. Phase, creation and count filters from
// the options narrow the result.
func (s *JobStorage) List(ctx context.Context, owner string, opts *interfaces.JobListOptions) ([]*models.JobDescription, error) {
	var records []jobRecord
	query := badgerhold.Where("Owner").Eq(owner).SortBy("Creation", "ID").Reverse()
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs for %s: %w", owner, err)
	}

	descriptions := make([]*models.JobDescription, 0, len(records))
	for _, record := range records {
		if opts != nil {
			if len(opts.Phases) > 0 && !phaseIn(record.Phase, opts.Phases) {
				continue
			}
			if opts.After != nil && !record.Creation.After(*opts.After) {
				continue
			}
		}
		descriptions = append(descriptions, record.Job.Description())
		if opts != nil && opts.Count > 0 && len(descriptions) >= opts.Count {
			break
		}
	}
	return descriptions, nil
}

func phaseIn(phase models.ExecutionPhase, phases []models.ExecutionPhase) bool {
	for _, p := range phases {
		if p == phase {
			return true
		}
	}
	return false
}

// ListExpired returns the ids of jobs due for destruction, oldest ids first
func (s *JobStorage) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	var records []jobRecord
	query := badgerhold.Where("Destruction").Le(before).SortBy("ID")
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, strconv.FormatUint(record.ID, 10))
	}
	return ids, nil
}

// Delete removes a job regardless of phase
func (s *JobStorage) Delete(ctx context.Context, jobID string) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(id, &jobRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewUnknownJobError(jobID)
		}
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}

	s.logger.Debug().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// transition applies a mutation to a stored job under the storage mutex.
// The mutation sees the current job and either changes it, returns
// errNoChange to leave it untouched, or returns a taxonomy error.
func (s *JobStorage) transition(jobID string, mutate func(*models.Job) error) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var record jobRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewUnknownJobError(jobID)
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	if err := mutate(&record.Job); err != nil {
		if err == errNoChange {
			return nil
		}
		return err
	}

	record.Phase = record.Job.Phase
	record.Destruction = record.Job.DestructionTime
	if err := s.db.Store().Upsert(id, record); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}

// UpdateDestruction replaces the destruction time
func (s *JobStorage) UpdateDestruction(ctx context.Context, jobID string, destruction time.Time) error {
	return s.transition(jobID, func(job *models.Job) error {
		job.DestructionTime = destruction
		return nil
	})
}

// UpdateExecutionDuration replaces the execution duration limit
func (s *JobStorage) UpdateExecutionDuration(ctx context.Context, jobID string, duration int64) error {
	return s.transition(jobID, func(job *models.Job) error {
		job.ExecutionDuration = duration
		return nil
	})
}

// MarkQueued records the dispatch of a job to the work queue. Repeated
// calls with the message id already on the job are no-ops so redelivered
// dispatches stay harmless.
func (s *JobStorage) MarkQueued(ctx context.Context, jobID, messageID string) error {
	return s.transition(jobID, func(job *models.Job) error {
		switch job.Phase {
		case models.PhasePending, models.PhaseHeld:
			job.Phase = models.PhaseQueued
			job.MessageID = messageID
			return nil
		case models.PhaseQueued, models.PhaseExecuting:
			if job.MessageID == messageID {
				return errNoChange
			}
		}
		return models.NewInvalidPhaseError(fmt.Sprintf("Cannot mark job %s queued in phase %s", jobID, job.Phase))
	})
}

// MarkStarted moves a queued job to executing. The started callback can
// arrive before the dispatch is recorded, so a pending job with no message
// id adopts the callback's message id instead of dropping it. Mismatched
// message ids and later phases are ignored.
func (s *JobStorage) MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error {
	return s.transition(jobID, func(job *models.Job) error {
		switch job.Phase {
		case models.PhaseQueued:
			if job.MessageID != messageID {
				return errNoChange
			}
		case models.PhasePending:
			if job.MessageID != "" {
				return errNoChange
			}
			job.MessageID = messageID
		default:
			return errNoChange
		}
		job.Phase = models.PhaseExecuting
		start := startTime
		job.StartTime = &start
		return nil
	})
}

// MarkCompleted records a successful outcome. Only the job's current
// message may complete it, and a job already in a terminal phase stays
// unchanged so the first outcome wins.
func (s *JobStorage) MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []models.JobResult) error {
	return s.transition(jobID, func(job *models.Job) error {
		if !outcomeApplies(job, messageID) {
			return errNoChange
		}
		end := endTime
		if job.StartTime == nil {
			// Completion overtook the started callback
			job.StartTime = &end
		}
		job.Phase = models.PhaseCompleted
		job.EndTime = &end
		job.Results = results
		job.Error = nil
		return nil
	})
}

// MarkErrored records a failed outcome under the same rules as MarkCompleted
func (s *JobStorage) MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobError *models.JobError) error {
	return s.transition(jobID, func(job *models.Job) error {
		if !outcomeApplies(job, messageID) {
			return errNoChange
		}
		end := endTime
		if job.StartTime == nil {
			job.StartTime = &end
		}
		job.Phase = models.PhaseError
		job.EndTime = &end
		job.Results = nil
		job.Error = jobError
		return nil
	})
}

func outcomeApplies(job *models.Job, messageID string) bool {
	if job.Phase != models.PhaseQueued && job.Phase != models.PhaseExecuting {
		return false
	}
	return job.MessageID == messageID
}

// Availability probes the store with a cheap read
func (s *JobStorage) Availability(ctx context.Context) *models.Availability {
	if _, err := s.db.Store().Count(&jobRecord{}, nil); err != nil {
		return &models.Availability{Available: false, Note: err.Error()}
	}
	return &models.Availability{Available: true}
}
