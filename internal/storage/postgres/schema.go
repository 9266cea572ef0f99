package postgres

const schemaSQL = `
-- Job records
-- One row per job; the error columns are populated only in the error phase
CREATE TABLE IF NOT EXISTS uws_jobs (
	id BIGSERIAL PRIMARY KEY,
	owner_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL,
	creation_time TIMESTAMPTZ NOT NULL,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	destruction_time TIMESTAMPTZ NOT NULL,
	execution_duration BIGINT NOT NULL DEFAULT 0,
	quote TIMESTAMPTZ,
	message_id TEXT,
	parameters TEXT,
	error_code TEXT,
	error_message TEXT,
	error_detail TEXT
);

-- Indexes for the list operation and the destruction sweep
CREATE INDEX IF NOT EXISTS idx_uws_jobs_owner ON uws_jobs(owner_id, creation_time DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_uws_jobs_phase ON uws_jobs(phase);
CREATE INDEX IF NOT EXISTS idx_uws_jobs_destruction ON uws_jobs(destruction_time);

-- Ordered results of completed jobs
CREATE TABLE IF NOT EXISTS uws_job_results (
	job_id BIGINT NOT NULL REFERENCES uws_jobs(id) ON DELETE CASCADE,
	sequence INT NOT NULL,
	result_id TEXT NOT NULL,
	url TEXT NOT NULL,
	size BIGINT,
	mime_type TEXT,
	PRIMARY KEY (job_id, sequence)
);
`

// InitSchema initializes the database schema
func (p *PostgresDB) InitSchema() error {
	if _, err := p.db.Exec(schemaSQL); err != nil {
		return err
	}
	p.logger.Info().Msg("Database schema initialized")
	return nil
}
