// Package pipeline runs one report file through every ingestion stage:
//
//	read → isolate + infer → validate → dedup + insert → complete job → review artifacts → move
//
// Each file gets exactly one job record, and every path out of ProcessFile,
// including a recovered panic, leaves that job in a terminal state. Reports
// are inserted and the job completed in one store transaction, so a file
// that fails on insertion leaves no report rows behind.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"billing-report-ingestor/internal/dedup"
	"billing-report-ingestor/internal/files"
	"billing-report-ingestor/internal/inference"
	"billing-report-ingestor/internal/jobs"
	"billing-report-ingestor/internal/metrics"
	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/review"
	"billing-report-ingestor/internal/store"
	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/internal/validation"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// Config holds the immutable settings of a pipeline
type Config struct {
	Read      table.ReadOptions
	Inference inference.Config
	// Rules.Providers is always taken from Inference.Provider.
	Rules validation.Rules
	// MoveFiles moves each file to its disposition directory when a Mover is set.
	MoveFiles bool
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		Read:      table.DefaultReadOptions(),
		Inference: inference.DefaultConfig(),
		Rules:     validation.DefaultRules(),
		MoveFiles: true,
	}
}

// Validate checks every nested configuration
func (c Config) Validate() error {
	if err := c.Read.Validate(); err != nil {
		return fmt.Errorf("read options: %w", err)
	}
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("validation rules: %w", err)
	}
	return nil
}

// Deps are the collaborators of a pipeline. Review and Mover are optional.
type Deps struct {
	Store  store.Store
	Review *review.Writer
	Mover  *files.Mover
	Clock  func() time.Time
}

// FileResult is the outcome of one file
type FileResult struct {
	Path        string
	Job         *models.ProcessingJob
	Counters    jobs.Counters
	Disposition models.Disposition
	Artifacts   []string
	MovedTo     string
	Err         error
}

// Pipeline processes report files
type Pipeline struct {
	cfg       Config
	deps      Deps
	engine    *inference.Engine
	validator *validation.Validator
	tracker   *jobs.Tracker
	logger    logger.Logger
}

// New creates a pipeline
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "store", nil, nil)
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	cfg.Rules.Providers = cfg.Inference.Provider
	if len(cfg.Rules.PeriodLayouts) == 0 {
		cfg.Rules.PeriodLayouts = cfg.Inference.Period.Layouts
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline", nil, err)
	}

	engine, err := inference.NewEngine(cfg.Inference)
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewValidator(cfg.Rules, deps.Store)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		engine:    engine,
		validator: validator,
		tracker:   jobs.NewTracker(deps.Store, deps.Clock),
		logger:    logger.GetGlobalLogger().WithComponent("pipeline"),
	}, nil
}

// terminalTimeout bounds the store update that marks an aborted job FAILED
const terminalTimeout = 30 * time.Second

// ProcessFile runs path through the pipeline. The returned result always
// carries a disposition; Err is set when the job failed.
//
// Cancelling ctx does not abort a file once it is started: the stages run on
// a context detached from ctx's cancellation so that the job always reaches
// a terminal state. Callers stop between files, as ProcessAll does.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (result *FileResult) {
	ctx = context.WithoutCancel(ctx)
	start := p.deps.Clock()
	result = &FileResult{Path: path, Disposition: models.DispositionFailed}
	log := p.logger.WithField("file", path)

	checksum, err := files.Checksum(path)
	if err != nil {
		log.WithError(err).Debug("Cannot fingerprint file")
	}
	provider := p.providerHint(path)

	job, err := p.tracker.Start(ctx, filepath.Base(path), provider, checksum)
	if err != nil {
		log.WithError(err).Error("Cannot create job")
		result.Err = err
		return result
	}
	result.Job = job
	log = log.WithField("job_id", job.JobID)
	p.warnResubmission(ctx, log, job)

	defer func() {
		if r := recover(); r != nil {
			cause := errors.InternalError(errors.CodePanic, "process file", fmt.Errorf("%v", r)).
				WithContext("job_id", job.JobID.String())
			log.WithError(cause).Error("Recovered from panic")
			p.fail(ctx, log, result, cause)
		}
		p.finish(log, result, start)
	}()

	if err := p.run(ctx, log, job, path, result); err != nil {
		p.fail(ctx, log, result, err)
	}
	return result
}

// run executes the stages for job. A returned error aborts the file.
func (p *Pipeline) run(ctx context.Context, log logger.Logger, job *models.ProcessingJob, path string, result *FileResult) error {
	stages := logger.NewStageLogger(log)
	now := p.deps.Clock()

	raw, err := table.ReadFile(path, p.cfg.Read)
	if err != nil {
		return err
	}
	stages.Stage("read", logger.Fields{"rows": raw.NumRows(), "format": raw.Source.Format})

	res, err := p.engine.Run(raw, now)
	if res != nil {
		job.InferenceAudit = res.Audit()
		for _, v := range res.Verdicts {
			metrics.ObserveVerdict(v.Step, string(v.Outcome))
		}
		if res.Provider != "" {
			job.Provider = res.Provider
		}
		job.ReportPeriod = res.Period
	}
	if err != nil {
		return err
	}
	stages.Stage("infer", logger.Fields{"roles": len(res.Roles), "managed": res.ManagedCount})

	outcome, err := p.validator.Validate(ctx, res, validation.Enrichment{
		JobID:        job.JobID,
		FileProvider: job.Provider,
		IngestedAt:   now,
	})
	if outcome != nil {
		result.Counters.Processed = outcome.Processed()
		result.Counters.Failed = len(outcome.Invalid)
	}
	if err != nil {
		if outcome != nil {
			result.Artifacts, _ = p.writeArtifacts(ctx, log, job, res, outcome.Invalid)
		}
		return err
	}
	stages.Stage("validate", logger.Fields{"valid": len(outcome.Valid), "invalid": len(outcome.Invalid)})

	if period := majorityPeriod(outcome.Valid); period != "" {
		job.ReportPeriod = period
	}

	// Partition, insert and complete the job atomically.
	staged := *job
	var duplicates []models.InvalidRow
	err = p.deps.Store.Transaction(ctx, func(tx store.Store) error {
		part, err := dedup.NewChecker(tx).Partition(ctx, outcome.Valid)
		if err != nil {
			return errors.WrapIfNeeded(err, errors.CategoryPersistence, errors.CodeQueryFailed, "duplicate lookup failed")
		}

		reports := make([]models.Report, len(part.Unique))
		for i, row := range part.Unique {
			reports[i] = row.Report
		}
		if err := tx.InsertReports(ctx, reports); err != nil {
			return err
		}

		counters := result.Counters
		counters.Inserted = len(reports)
		counters.Duplicate = len(part.Duplicates)
		if err := jobs.NewTracker(tx, p.deps.Clock).Complete(ctx, &staged, counters, rowSummary(counters)); err != nil {
			return err
		}
		result.Counters = counters
		duplicates = part.Duplicates
		return nil
	})
	if err != nil {
		result.Counters.Inserted, result.Counters.Duplicate = 0, 0
		return err
	}
	*job = staged
	stages.Stage("persist", logger.Fields{"inserted": result.Counters.Inserted, "duplicates": result.Counters.Duplicate})

	problems := append(append([]models.InvalidRow(nil), outcome.Invalid...), duplicates...)
	artifacts, err := p.writeArtifacts(ctx, log, job, res, problems)
	result.Artifacts = artifacts
	if err != nil {
		if aerr := p.tracker.Annotate(ctx, job, fmt.Sprintf("review artifact not written: %v", err)); aerr != nil {
			log.WithError(aerr).Warn("Cannot annotate job")
		}
	}
	stages.Stage("review", logger.Fields{"artifacts": len(artifacts)})
	return nil
}

func (p *Pipeline) writeArtifacts(ctx context.Context, log logger.Logger, job *models.ProcessingJob, res *inference.Result, problems []models.InvalidRow) ([]string, error) {
	if p.deps.Review == nil || len(problems) == 0 {
		return nil, nil
	}

	t := res.Table
	rows := make([]review.Row, t.NumRows())
	for r := range t.Rows {
		rows[r] = review.Row{Index: t.OriginOf(r), Data: t.Row(r)}
	}

	paths, err := p.deps.Review.Write(ctx, review.Set{
		JobID:    job.JobID,
		FileName: job.FileName,
		Header:   t.Header,
		Rows:     rows,
		Problems: problems,
	})
	if err != nil {
		log.WithError(err).Warn("Review artifacts not written")
		return paths, err
	}
	metrics.AddArtifacts(len(paths))
	return paths, nil
}

// fail forces the job to FAILED unless it already reached a terminal state.
func (p *Pipeline) fail(ctx context.Context, log logger.Logger, result *FileResult, cause error) {
	result.Err = cause
	result.Counters.Inserted = 0
	job := result.Job
	if job == nil || job.Status.IsTerminal() {
		return
	}

	fields := logger.Fields{"job_id": job.JobID}
	if ie, ok := errors.AsIngestError(cause); ok {
		fields["category"] = ie.Category
		fields["code"] = ie.Code
	}
	log.WithFields(fields).WithError(cause).Warn("File processing aborted")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()
	if err := p.tracker.Fail(ctx, job, result.Counters, cause); err != nil {
		log.WithError(err).Error("Cannot mark job as failed")
	}
}

func (p *Pipeline) finish(log logger.Logger, result *FileResult, start time.Time) {
	status := models.JobStatusFailed
	if result.Job != nil {
		status = result.Job.Status
	}
	result.Disposition = models.DispositionFor(status)

	metrics.ObserveJob(string(status), p.deps.Clock().Sub(start))
	metrics.AddRows(metrics.RowsInserted, result.Counters.Inserted)
	metrics.AddRows(metrics.RowsFailed, result.Counters.Failed)
	metrics.AddRows(metrics.RowsDuplicate, result.Counters.Duplicate)

	if p.cfg.MoveFiles && p.deps.Mover != nil {
		target, err := p.deps.Mover.Move(result.Path, result.Disposition)
		if err != nil {
			log.WithError(err).Warn("Cannot move file")
		} else {
			result.MovedTo = target
		}
	}
}

// providerHint maps the file name prefix through the provider registry and
// falls back to the raw prefix.
func (p *Pipeline) providerHint(path string) string {
	hint := files.ProviderHint(path)
	if canonical, ok := p.cfg.Inference.Provider.CanonicalProvider(hint); ok {
		return canonical
	}
	return hint
}

func (p *Pipeline) warnResubmission(ctx context.Context, log logger.Logger, job *models.ProcessingJob) {
	if job.FileChecksum == "" {
		return
	}
	prev, err := p.deps.Store.ListJobs(ctx, store.JobFilter{Checksum: job.FileChecksum, Status: models.JobStatusSuccess, Limit: 1})
	if err != nil || len(prev) == 0 {
		return
	}
	log.WithFields(logger.Fields{
		"previous_job": prev[0].JobID,
		"checksum":     job.FileChecksum,
	}).Warn("Identical file was already ingested; its rows will be reported as duplicates")
}

// majorityPeriod returns the most frequent period among rows, ties going to
// the first seen.
func majorityPeriod(rows []validation.ValidRow) string {
	counts := make(map[string]int)
	best := ""
	for _, r := range rows {
		m := r.Report.PaidMonth
		counts[m]++
		if best == "" || counts[m] > counts[best] {
			best = m
		}
	}
	return best
}

func rowSummary(c jobs.Counters) string {
	var parts []string
	if c.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d rows failed validation", c.Failed))
	}
	if c.Duplicate > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate rows", c.Duplicate))
	}
	return strings.Join(parts, "; ")
}
