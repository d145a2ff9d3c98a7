// Package jobs implements the processing job state machine.
//
// A job is created in STARTED and moves exactly once to one of the terminal
// states SUCCESS, PARTIAL or FAILED. The terminal state is derived from the
// row counters by DetermineStatus, or forced to FAILED by Fail when a stage
// aborts. Terminal jobs are never modified again.
package jobs

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// ErrJobTerminal is returned when a finished job is asked to transition again
var ErrJobTerminal = stderrors.New("job is already in a terminal state")

// maxSummaryLength bounds the stored error summary
const maxSummaryLength = 4000

// Store is the subset of persistence the tracker needs
type Store interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	UpdateJob(ctx context.Context, job *models.ProcessingJob) error
}

// Counters are the row counts of a finished file
type Counters struct {
	Processed int
	Inserted  int
	Failed    int
	Duplicate int
}

// DetermineStatus derives the terminal status from the insert and failure
// counts.
func DetermineStatus(inserted, failed int) models.JobStatus {
	switch {
	case inserted > 0 && failed == 0:
		return models.JobStatusSuccess
	case inserted > 0 && failed > 0:
		return models.JobStatusPartial
	default:
		return models.JobStatusFailed
	}
}

// Tracker records job transitions in a Store
type Tracker struct {
	store  Store
	now    func() time.Time
	logger logger.Logger
}

// NewTracker creates a tracker. A nil clock uses time.Now in UTC.
func NewTracker(store Store, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		store:  store,
		now:    clock,
		logger: logger.GetGlobalLogger().WithComponent("jobs"),
	}
}

// Start creates a STARTED job for fileName.
func (t *Tracker) Start(ctx context.Context, fileName, provider, checksum string) (*models.ProcessingJob, error) {
	job := &models.ProcessingJob{
		JobID:        uuid.New(),
		FileName:     fileName,
		Provider:     provider,
		FileChecksum: checksum,
		Status:       models.JobStatusStarted,
		StartedAt:    t.now(),
	}
	if err := job.Validate(); err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "create job", err)
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryPersistence, errors.CodeJobUpdate, "cannot create job")
	}

	t.logger.WithFields(logger.Fields{"job_id": job.JobID, "file": fileName}).Info("Job started")
	return job, nil
}

// Complete moves job to the status implied by c. Duplicates count as
// failures for the transition. summary may be empty.
func (t *Tracker) Complete(ctx context.Context, job *models.ProcessingJob, c Counters, summary string) error {
	status := DetermineStatus(c.Inserted, c.Failed+c.Duplicate)
	return t.finish(ctx, job, status, c, summary)
}

// Fail forces job to FAILED with cause as its error summary. Counters
// reflect what was known when the stage aborted; no rows are counted as
// inserted.
func (t *Tracker) Fail(ctx context.Context, job *models.ProcessingJob, c Counters, cause error) error {
	c.Inserted = 0
	summary := "unknown failure"
	if cause != nil {
		summary = cause.Error()
	}
	return t.finish(ctx, job, models.JobStatusFailed, c, summary)
}

// Annotate appends note to the error summary of a terminal job. The status
// and counters are left untouched.
func (t *Tracker) Annotate(ctx context.Context, job *models.ProcessingJob, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	next := *job
	summary := note
	if job.ErrorSummary != nil && *job.ErrorSummary != "" {
		summary = *job.ErrorSummary + "; " + note
	}
	summary = truncateSummary(summary)
	next.ErrorSummary = &summary

	if err := t.store.UpdateJob(ctx, &next); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryPersistence, errors.CodeJobUpdate, "cannot update job")
	}
	*job = next
	return nil
}

func (t *Tracker) finish(ctx context.Context, job *models.ProcessingJob, status models.JobStatus, c Counters, summary string) error {
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}

	next := *job
	finished := t.now()
	next.Status = status
	next.FinishedAt = &finished
	next.RowsProcessed = c.Processed
	next.RowsInserted = c.Inserted
	next.RowsFailed = c.Failed
	next.RowsDuplicate = c.Duplicate
	next.ErrorSummary = nil
	if s := strings.TrimSpace(summary); s != "" {
		s = truncateSummary(s)
		next.ErrorSummary = &s
	}

	if err := next.Validate(); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "finish job", err).
			WithContext("job_id", job.JobID.String())
	}
	if err := t.store.UpdateJob(ctx, &next); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryPersistence, errors.CodeJobUpdate, "cannot update job")
	}
	*job = next

	log := t.logger.WithFields(logger.Fields{
		"job_id":    job.JobID,
		"file":      job.FileName,
		"status":    job.Status,
		"processed": c.Processed,
		"inserted":  c.Inserted,
		"failed":    c.Failed,
		"duplicate": c.Duplicate,
		"duration":  finished.Sub(job.StartedAt).String(),
	})
	if status == models.JobStatusFailed {
		log.Warn("Job failed")
	} else {
		log.Info("Job finished")
	}
	return nil
}

// truncateSummary cuts s to at most maxSummaryLength bytes on a rune boundary.
func truncateSummary(s string) string {
	if len(s) <= maxSummaryLength {
		return s
	}
	s = s[:maxSummaryLength]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
