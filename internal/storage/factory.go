package storage

import (
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/storage/badger"
	"github.com/ternarybob/laboro/internal/storage/postgres"
)

// NewStorageManager creates a storage manager for the configured backend.
// A postgres:// or postgresql:// database URL selects Postgres; any other
// value is treated as a Badger directory path.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	url := config.Database.URL
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.NewManager(logger, &config.Database)
	}
	return badger.NewManager(logger, &config.Database)
}
