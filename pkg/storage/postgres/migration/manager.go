// Package migration applies the snapshot schema with golang-migrate.
package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

//go:embed sql/*.sql
var embedded embed.FS

// Config holds the migration configuration
type Config struct {
	// MigrationsPath overrides the embedded migrations with a directory
	MigrationsPath string        `mapstructure:"migrations_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Manager handles database migrations
type Manager struct {
	db       *sqlx.DB
	config   Config
	logger   observability.Logger
	migrator *migrate.Migrate
}

// NewManager creates a new migration manager
func NewManager(db *sqlx.DB, config Config, logger observability.Logger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db connection cannot be nil")
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Manager{db: db, config: config, logger: logger}, nil
}

func (m *Manager) init() error {
	if m.migrator != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var migrator *migrate.Migrate
	if m.config.MigrationsPath != "" {
		migrator, err = migrate.NewWithDatabaseInstance("file://"+m.config.MigrationsPath, "postgres", driver)
	} else {
		source, serr := iofs.New(embedded, "sql")
		if serr != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", serr)
		}
		migrator, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.migrator = migrator
	return nil
}

// Up applies all pending migrations
func (m *Manager) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := m.migrator.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		version, dirty, _ := m.migrator.Version()
		m.logger.Info("Database migrations applied", map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		})
		return nil
	case <-ctx.Done():
		m.migrator.GracefulStop <- true
		return fmt.Errorf("migration timeout after %s", m.config.Timeout)
	}
}

// Version reports the current schema version
func (m *Manager) Version() (uint, bool, error) {
	if err := m.init(); err != nil {
		return 0, false, err
	}
	version, dirty, err := m.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close releases the migrator
func (m *Manager) Close() error {
	if m.migrator == nil {
		return nil
	}
	srcErr, dbErr := m.migrator.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Files lists the embedded migration file names
func Files() ([]string, error) {
	entries, err := embedded.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
