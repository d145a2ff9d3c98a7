// Package store persists processing jobs, report rows and reference clients.
//
// Two implementations are provided: a gorm backed store for PostgreSQL, MySQL
// and SQLite, and an in-memory store used by dry runs and tests. Both enforce
// the natural-key uniqueness of reports and support all-or-nothing
// transactions.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = gorm.ErrRecordNotFound

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   models.JobStatus
	Checksum string
	Since    time.Time
	Limit    int
}

// Store is the persistence boundary of the pipeline
type Store interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	UpdateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]models.ProcessingJob, error)

	// ExistingReportKeys returns the normalized subset of keys already stored.
	ExistingReportKeys(ctx context.Context, keys []models.ReportKey) (map[models.ReportKey]bool, error)
	InsertReports(ctx context.Context, reports []models.Report) error
	CountReports(ctx context.Context, jobID uuid.UUID) (int64, error)

	ClientsByIDs(ctx context.Context, ids []string) (map[string]models.Client, error)
	UpsertClients(ctx context.Context, clients []models.Client) error

	// Transaction runs fn against a transactional view of the store. Nothing
	// written through the view is kept when fn returns an error.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	Migrate(ctx context.Context) error
	Close() error
}

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the database connection settings
type Config struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	BatchSize       int           `json:"batch_size" mapstructure:"batch_size"`
	AutoMigrate     bool          `json:"auto_migrate" mapstructure:"auto_migrate"`
	LogLevel        string        `json:"log_level" mapstructure:"log_level"`
}

// DefaultConfig returns a local SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DSN:             "ingestor.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		BatchSize:       500,
		AutoMigrate:     true,
		LogLevel:        "warn",
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("dsn is required for driver %s", c.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes cannot be negative")
	}
	return nil
}

// Open connects to the configured store and migrates the schema when
// AutoMigrate is set.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "database", cfg.Driver, err)
	}

	log := logger.GetGlobalLogger().WithComponent("store").WithField("driver", cfg.Driver)

	var s Store
	if cfg.Driver == DriverMemory {
		s = NewMemory()
	} else {
		gs, err := openGorm(cfg, log)
		if err != nil {
			return nil, err
		}
		s = gs
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	log.Info("Store opened")
	return s, nil
}

// normalizeKeys folds keys for lookup and drops duplicates
func normalizeKeys(keys []models.ReportKey) []models.ReportKey {
	seen := make(map[models.ReportKey]bool, len(keys))
	out := make([]models.ReportKey, 0, len(keys))
	for _, k := range keys {
		n := k.Normalized()
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
