package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

const (
	TPJobs       = "uws_jobs"
	TPJobResults = "uws_job_results"
)

var psql = sqrl.StatementBuilder.PlaceholderFormat(sqrl.Dollar)

var jobColumns = []string{
	"id", "owner_id", "run_id", "phase", "creation_time", "start_time",
	"end_time", "destruction_time", "execution_duration", "quote",
	"message_id", "parameters", "error_code", "error_message", "error_detail",
}

var resultColumns = []string{"job_id", "sequence", "result_id", "url", "size", "mime_type"}

type jobRow struct {
	ID                int64          `db:"id"`
	Owner             string         `db:"owner_id"`
	RunID             string         `db:"run_id"`
	Phase             string         `db:"phase"`
	CreationTime      time.Time      `db:"creation_time"`
	StartTime         pq.NullTime    `db:"start_time"`
	EndTime           pq.NullTime    `db:"end_time"`
	DestructionTime   time.Time      `db:"destruction_time"`
	ExecutionDuration int64          `db:"execution_duration"`
	Quote             pq.NullTime    `db:"quote"`
	MessageID         sql.NullString `db:"message_id"`
	Parameters        sql.NullString `db:"parameters"`
	ErrorCode         sql.NullString `db:"error_code"`
	ErrorMessage      sql.NullString `db:"error_message"`
	ErrorDetail       sql.NullString `db:"error_detail"`
}

type resultRow struct {
	JobID    int64          `db:"job_id"`
	Sequence int            `db:"sequence"`
	ResultID string         `db:"result_id"`
	URL      string         `db:"url"`
	Size     sql.NullInt64  `db:"size"`
	MimeType sql.NullString `db:"mime_type"`
}

type briefRow struct {
	ID           int64     `db:"id"`
	Owner        string    `db:"owner_id"`
	RunID        string    `db:"run_id"`
	Phase        string    `db:"phase"`
	CreationTime time.Time `db:"creation_time"`
}

func (r *jobRow) toJob(results []resultRow) *models.Job {
	job := &models.Job{
		JobID:             strconv.FormatInt(r.ID, 10),
		Owner:             r.Owner,
		RunID:             r.RunID,
		Phase:             models.ExecutionPhase(r.Phase),
		CreationTime:      r.CreationTime.UTC(),
		DestructionTime:   r.DestructionTime.UTC(),
		ExecutionDuration: r.ExecutionDuration,
		MessageID:         r.MessageID.String,
	}
	if r.StartTime.Valid {
		t := r.StartTime.Time.UTC()
		job.StartTime = &t
	}
	if r.EndTime.Valid {
		t := r.EndTime.Time.UTC()
		job.EndTime = &t
	}
	if r.Quote.Valid {
		t := r.Quote.Time.UTC()
		job.Quote = &t
	}
	if r.Parameters.Valid {
		job.Parameters = json.RawMessage(r.Parameters.String)
	}
	if r.ErrorCode.Valid {
		job.Error = &models.JobError{
			ErrorCode: r.ErrorCode.String,
			Message:   r.ErrorMessage.String,
			Detail:    r.ErrorDetail.String,
		}
	}
	for _, res := range results {
		job.Results = append(job.Results, models.JobResult{
			ResultID: res.ResultID,
			URL:      res.URL,
			Size:     res.Size.Int64,
			MimeType: res.MimeType.String,
		})
	}
	return job
}

func nullString(str string) sql.NullString {
	if str == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: str, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func parseJobID(jobID string) (int64, bool) {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// JobStorage implements Postgres storage for jobs. Transitions are guarded
// single-statement updates whose WHERE clauses encode the phase rules, so
// concurrent callbacks race on the database and the first commit wins.
type JobStorage struct {
	db     *PostgresDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *PostgresDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// Add stores a new pending job and assigns its job id
func (s *JobStorage) Add(ctx context.Context, job *models.Job) error {
	parameters := sql.NullString{}
	if len(job.Parameters) > 0 {
		parameters = sql.NullString{String: string(job.Parameters), Valid: true}
	}

	sqlStr, args, err := psql.Insert(TPJobs).
		Columns("owner_id", "run_id", "phase", "creation_time", "destruction_time", "execution_duration", "parameters").
		Values(job.Owner, job.RunID, string(job.Phase), job.CreationTime, job.DestructionTime, job.ExecutionDuration, parameters).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert job query: %w", err)
	}

	var id int64
	if err := s.db.DB().GetContext(ctx, &id, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	job.JobID = strconv.FormatInt(id, 10)

	s.logger.Debug().Str("job_id", job.JobID).Str("owner", job.Owner).Msg("Job stored")
	return nil
}

// Get retrieves a job by id with its results
func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.Job, error) {
	id, ok := parseJobID(jobID)
	if !ok {
		return nil, models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Select(jobColumns...).From(TPJobs).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select job query: %w", err)
	}

	var row jobRow
	if err := s.db.DB().GetContext(ctx, &row, sqlStr, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewUnknownJobError(jobID)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	results, err := s.loadResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toJob(results), nil
}

func (s *JobStorage) loadResults(ctx context.Context, id int64) ([]resultRow, error) {
	sqlStr, args, err := psql.Select(resultColumns...).From(TPJobResults).
		Where(sqrl.Eq{"job_id": id}).
		OrderBy("sequence ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select results query: %w", err)
	}

	var rows []resultRow
	if err := s.db.DB().SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("failed to load results for job %d: %w", id, err)
	}
	return rows, nil
}

// List returns brief descriptions of the owner's jobs, newest first with
// ties broken by job id descending
func (s *JobStorage) List(ctx context.Context, owner string, opts *interfaces.JobListOptions) ([]*models.JobDescription, error) {
	builder := psql.Select("id", "owner_id", "run_id", "phase", "creation_time").
		From(TPJobs).
		Where(sqrl.Eq{"owner_id": owner}).
		OrderBy("creation_time DESC", "id DESC")

	if opts != nil {
		if len(opts.Phases) > 0 {
			phases := make([]string, len(opts.Phases))
			for i, phase := range opts.Phases {
				phases[i] = string(phase)
			}
			builder = builder.Where(sqrl.Eq{"phase": phases})
		}
		if opts.After != nil {
			builder = builder.Where(sqrl.Gt{"creation_time": *opts.After})
		}
		if opts.Count > 0 {
			builder = builder.Limit(uint64(opts.Count))
		}
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list jobs query: %w", err)
	}

	var rows []briefRow
	if err := s.db.DB().SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs for %s: %w", owner, err)
	}

	descriptions := make([]*models.JobDescription, 0, len(rows))
	for _, row := range rows {
		descriptions = append(descriptions, &models.JobDescription{
			JobID:        strconv.FormatInt(row.ID, 10),
			Owner:        row.Owner,
			RunID:        row.RunID,
			Phase:        models.ExecutionPhase(row.Phase),
			CreationTime: row.CreationTime.UTC(),
		})
	}
	return descriptions, nil
}

// ListExpired returns the ids of jobs due for destruction, oldest ids first
func (s *JobStorage) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	sqlStr, args, err := psql.Select("id").From(TPJobs).
		Where(sqrl.LtOrEq{"destruction_time": before}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list expired query: %w", err)
	}

	var ids []int64
	if err := s.db.DB().SelectContext(ctx, &ids, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	jobIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		jobIDs = append(jobIDs, strconv.FormatInt(id, 10))
	}
	return jobIDs, nil
}

// Delete removes a job regardless of phase. Results cascade.
func (s *JobStorage) Delete(ctx context.Context, jobID string) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Delete(TPJobs).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete job query: %w", err)
	}

	result, err := s.db.DB().ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.NewUnknownJobError(jobID)
	}

	s.logger.Debug().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// UpdateDestruction replaces the destruction time
func (s *JobStorage) UpdateDestruction(ctx context.Context, jobID string, destruction time.Time) error {
	return s.updateField(ctx, jobID, "destruction_time", destruction)
}

// UpdateExecutionDuration replaces the execution duration limit
func (s *JobStorage) UpdateExecutionDuration(ctx context.Context, jobID string, duration int64) error {
	return s.updateField(ctx, jobID, "execution_duration", duration)
}

func (s *JobStorage) updateField(ctx context.Context, jobID, column string, value interface{}) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Update(TPJobs).Set(column, value).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update job query: %w", err)
	}

	result, err := s.db.DB().ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.NewUnknownJobError(jobID)
	}
	return nil
}

// MarkQueued records the dispatch of a job to the work queue. Repeated
// calls with the message id already on the job are no-ops so redelivered
// dispatches stay harmless.
func (s *JobStorage) MarkQueued(ctx context.Context, jobID, messageID string) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Update(TPJobs).
		Set("phase", string(models.PhaseQueued)).
		Set("message_id", messageID).
		Where(sqrl.Eq{"id": id}).
		Where(sqrl.Eq{"phase": []string{string(models.PhasePending), string(models.PhaseHeld)}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build mark queued query: %w", err)
	}

	result, err := s.db.DB().ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job %s queued: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}

	// The guard missed: the job is gone, already dispatched as this
	// message, or in a phase that cannot be queued
	phase, storedMessage, err := s.dispatchState(ctx, id, jobID)
	if err != nil {
		return err
	}
	if (phase == models.PhaseQueued || phase == models.PhaseExecuting) && storedMessage == messageID {
		return nil
	}
	return models.NewInvalidPhaseError(fmt.Sprintf("Cannot mark job %s queued in phase %s", jobID, phase))
}

func (s *JobStorage) dispatchState(ctx context.Context, id int64, jobID string) (models.ExecutionPhase, string, error) {
	sqlStr, args, err := psql.Select("phase", "message_id").From(TPJobs).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return "", "", fmt.Errorf("failed to build select phase query: %w", err)
	}

	var row struct {
		Phase     string         `db:"phase"`
		MessageID sql.NullString `db:"message_id"`
	}
	if err := s.db.DB().GetContext(ctx, &row, sqlStr, args...); err != nil {
		if err == sql.ErrNoRows {
			return "", "", models.NewUnknownJobError(jobID)
		}
		return "", "", fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return models.ExecutionPhase(row.Phase), row.MessageID.String, nil
}

// exists resolves a guarded update that matched no rows into either an
// unknown job error or a silent no-op
func (s *JobStorage) exists(ctx context.Context, id int64, jobID string) error {
	sqlStr, args, err := psql.Select("1").From(TPJobs).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build exists query: %w", err)
	}

	var one int
	if err := s.db.DB().GetContext(ctx, &one, sqlStr, args...); err != nil {
		if err == sql.ErrNoRows {
			return models.NewUnknownJobError(jobID)
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return nil
}

// MarkStarted moves a queued job to executing. The started callback can
// arrive before the dispatch is recorded, so a pending job with no message
// id adopts the callback's message id instead of dropping it. Mismatched
// message ids and later phases are ignored.
func (s *JobStorage) MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Update(TPJobs).
		Set("phase", string(models.PhaseExecuting)).
		Set("start_time", startTime).
		Set("message_id", messageID).
		Where(sqrl.Eq{"id": id}).
		Where(sqrl.Or{
			sqrl.And{sqrl.Eq{"phase": string(models.PhaseQueued)}, sqrl.Eq{"message_id": messageID}},
			sqrl.And{sqrl.Eq{"phase": string(models.PhasePending)}, sqrl.Eq{"message_id": nil}},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build mark started query: %w", err)
	}

	result, err := s.db.DB().ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job %s started: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	return s.exists(ctx, id, jobID)
}

// MarkCompleted records a successful outcome. Only the job's current
// message may complete it, and a job already in a terminal phase stays
// unchanged so the first outcome wins. Completion straight from queued
// backfills the start time.
func (s *JobStorage) MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []models.JobResult) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	tx, err := s.db.DB().BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sqlStr, args, err := psql.Update(TPJobs).
		Set("phase", string(models.PhaseCompleted)).
		Set("start_time", sqrl.Expr("COALESCE(start_time, ?)", endTime)).
		Set("end_time", endTime).
		Where(sqrl.Eq{"id": id}).
		Where(sqrl.Eq{"message_id": messageID}).
		Where(sqrl.Eq{"phase": []string{string(models.PhaseQueued), string(models.PhaseExecuting)}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build mark completed query: %w", err)
	}

	result, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job %s completed: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return s.exists(ctx, id, jobID)
	}

	if len(results) > 0 {
		insert := psql.Insert(TPJobResults).Columns(resultColumns...)
		for i, res := range results {
			insert = insert.Values(id, i, res.ResultID, res.URL, nullInt64(res.Size), nullString(res.MimeType))
		}
		sqlStr, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert results query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("failed to store results for job %s: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion of job %s: %w", jobID, err)
	}
	return nil
}

// MarkErrored records a failed outcome under the same rules as MarkCompleted
func (s *JobStorage) MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobError *models.JobError) error {
	id, ok := parseJobID(jobID)
	if !ok {
		return models.NewUnknownJobError(jobID)
	}

	sqlStr, args, err := psql.Update(TPJobs).
		Set("phase", string(models.PhaseError)).
		Set("start_time", sqrl.Expr("COALESCE(start_time, ?)", endTime)).
		Set("end_time", endTime).
		Set("error_code", jobError.ErrorCode).
		Set("error_message", jobError.Message).
		Set("error_detail", nullString(jobError.Detail)).
		Where(sqrl.Eq{"id": id}).
		Where(sqrl.Eq{"message_id": messageID}).
		Where(sqrl.Eq{"phase": []string{string(models.PhaseQueued), string(models.PhaseExecuting)}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build mark errored query: %w", err)
	}

	result, err := s.db.DB().ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job %s errored: %w", jobID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return s.exists(ctx, id, jobID)
	}
	return nil
}

// Availability probes the database with a trivial query
func (s *JobStorage) Availability(ctx context.Context) *models.Availability {
	var one int
	if err := s.db.DB().GetContext(ctx, &one, "SELECT 1"); err != nil {
		return &models.Availability{Available: false, Note: err.Error()}
	}
	return &models.Availability{Available: true}
}
