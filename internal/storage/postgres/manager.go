package postgres

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
)

// Manager implements the StorageManager interface for Postgres
type Manager struct {
	db     *PostgresDB
	job    interfaces.JobStorage
	logger arbor.ILogger
}

// NewManager creates a new Postgres storage manager
func NewManager(logger arbor.ILogger, config *common.DatabaseConfig) (interfaces.StorageManager, error) {
	db, err := NewPostgresDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Postgres storage manager initialized")

	return manager, nil
}

// JobStorage returns the job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
