package postgres

import (
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
)

// PostgresDB manages the Postgres database connection
type PostgresDB struct {
	db     *sqlx.DB
	logger arbor.ILogger
}

// NewPostgresDB creates a new Postgres connection pool and ensures the
// schema exists. The configured password, if any, is injected into the URL
// so it can be kept out of config files.
func NewPostgresDB(logger arbor.ILogger, config *common.DatabaseConfig) (*PostgresDB, error) {
	dataSource, err := buildDataSource(config)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("postgres", dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &PostgresDB{
		db:     db,
		logger: logger,
	}

	if err := p.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Msg("Postgres database initialized")
	return p, nil
}

func buildDataSource(config *common.DatabaseConfig) (string, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	if config.Password != "" {
		username := ""
		if u.User != nil {
			username = u.User.Username()
		}
		u.User = url.UserPassword(username, config.Password)
	}
	return u.String(), nil
}

// DB returns the underlying connection pool
func (p *PostgresDB) DB() *sqlx.DB {
	return p.db
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
