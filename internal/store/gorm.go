package store

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// keyQueryChunk bounds the number of identifiers per IN clause
const keyQueryChunk = 500

type gormStore struct {
	db        *gorm.DB
	batchSize int
	log       logger.Logger
}

func openGorm(cfg *Config, log logger.Logger) (*gormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log, cfg.LogLevel),
	})
	if err != nil {
		return nil, errors.PersistenceError(errors.CodeConnection, "connect", err).
			WithContext("driver", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.PersistenceError(errors.CodeConnection, "connect", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &gormStore{db: db, batchSize: cfg.BatchSize, log: log}, nil
}

// NewGorm wraps an existing gorm connection
func NewGorm(db *gorm.DB, batchSize int) Store {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}
	return &gormStore{db: db, batchSize: batchSize, log: logger.GetGlobalLogger().WithComponent("store")}
}

func (s *gormStore) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return errors.PersistenceError(errors.CodeJobUpdate, "create job", err)
	}
	return nil
}

func (s *gormStore) UpdateJob(ctx context.Context, job *models.ProcessingJob) error {
	res := s.db.WithContext(ctx).Model(&models.ProcessingJob{}).
		Where("job_id = ?", job.JobID).
		Select("*").Omit("job_id", "started_at").
		Updates(job)
	if res.Error != nil {
		return errors.PersistenceError(errors.CodeJobUpdate, "update job", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.PersistenceError(errors.CodeJobUpdate, "update job", ErrNotFound).
			WithContext("job_id", job.JobID.String())
	}
	return nil
}

func (s *gormStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	if err := s.db.WithContext(ctx).First(&job, "job_id = ?", id).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.PersistenceError(errors.CodeQueryFailed, "get job", err)
	}
	return &job, nil
}

func (s *gormStore) ListJobs(ctx context.Context, filter JobFilter) ([]models.ProcessingJob, error) {
	q := s.db.WithContext(ctx).Model(&models.ProcessingJob{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Checksum != "" {
		q = q.Where("file_checksum = ?", filter.Checksum)
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var jobs []models.ProcessingJob
	if err := q.Order("started_at DESC").Find(&jobs).Error; err != nil {
		return nil, errors.PersistenceError(errors.CodeQueryFailed, "list jobs", err)
	}
	return jobs, nil
}

func (s *gormStore) ExistingReportKeys(ctx context.Context, keys []models.ReportKey) (map[models.ReportKey]bool, error) {
	wanted := make(map[models.ReportKey]bool)
	byID := make(map[string]bool)
	var ids []string
	for _, k := range normalizeKeys(keys) {
		wanted[k] = true
		if !byID[k.CustomerID] {
			byID[k.CustomerID] = true
			ids = append(ids, k.CustomerID)
		}
	}

	found := make(map[models.ReportKey]bool)
	for start := 0; start < len(ids); start += keyQueryChunk {
		end := min(start+keyQueryChunk, len(ids))

		var rows []models.Report
		err := s.db.WithContext(ctx).Model(&models.Report{}).
			Select("customer_id", "provider", "paid_month").
			Where("customer_id IN ?", ids[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, errors.PersistenceError(errors.CodeQueryFailed, "duplicate lookup", err)
		}
		for i := range rows {
			if k := rows[i].Key().Normalized(); wanted[k] {
				found[k] = true
			}
		}
	}
	return found, nil
}

func (s *gormStore) InsertReports(ctx context.Context, reports []models.Report) error {
	if len(reports) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&reports, s.batchSize).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(err, errors.CategoryDuplicate, errors.CodeDuplicateKey, "report key already stored").
				WithContext("rows", len(reports))
		}
		return errors.PersistenceError(errors.CodeInsertFailed, "insert reports", err).
			WithContext("rows", len(reports))
	}
	return nil
}

func (s *gormStore) CountReports(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Report{}).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		return 0, errors.PersistenceError(errors.CodeQueryFailed, "count reports", err)
	}
	return n, nil
}

func (s *gormStore) ClientsByIDs(ctx context.Context, ids []string) (map[string]models.Client, error) {
	out := make(map[string]models.Client)
	for start := 0; start < len(ids); start += keyQueryChunk {
		end := min(start+keyQueryChunk, len(ids))

		var clients []models.Client
		if err := s.db.WithContext(ctx).Where("client_id IN ?", ids[start:end]).Find(&clients).Error; err != nil {
			return nil, errors.PersistenceError(errors.CodeQueryFailed, "client lookup", err)
		}
		for _, c := range clients {
			out[c.ClientID] = c
		}
	}
	return out, nil
}

func (s *gormStore) UpsertClients(ctx context.Context, clients []models.Client) error {
	if len(clients) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "provider"}),
	}).CreateInBatches(&clients, s.batchSize).Error
	if err != nil {
		return errors.PersistenceError(errors.CodeInsertFailed, "upsert clients", err)
	}
	return nil
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx, batchSize: s.batchSize, log: s.log})
	})
}

func (s *gormStore) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&models.ProcessingJob{}, &models.Report{}, &models.Client{})
	if err != nil {
		return errors.PersistenceError(errors.CodeConnection, "migrate", err)
	}
	s.log.Debug("Schema migrated")
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation reports whether err looks like a unique constraint failure
func isUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
