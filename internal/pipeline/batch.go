package pipeline

import (
	"context"
	"time"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// BatchSummary tallies the results of ProcessAll
type BatchSummary struct {
	Results  []*FileResult
	ByStatus map[models.JobStatus]int
	Skipped  int
}

// Errors returns the typed errors of the failed files
func (s *BatchSummary) Errors() *errors.ErrorSummary {
	var errs []*errors.IngestError
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, errors.WrapIfNeeded(r.Err, errors.CategoryInternal, errors.CodeUnexpectedError, "processing failed"))
		}
	}
	return errors.NewErrorSummary(errs)
}

// ProcessAll processes paths one at a time, in order. Cancelling ctx lets
// the file in progress finish; files not yet started are counted as skipped.
func (p *Pipeline) ProcessAll(ctx context.Context, paths []string) *BatchSummary {
	summary := &BatchSummary{ByStatus: make(map[models.JobStatus]int)}
	progress := logger.NewBatchProgress(p.logger, len(paths), 5*time.Second)

	for i, path := range paths {
		if ctx.Err() != nil {
			summary.Skipped = len(paths) - i
			p.logger.WithField("skipped", summary.Skipped).Warn("Batch interrupted")
			break
		}

		r := p.ProcessFile(ctx, path)
		summary.Results = append(summary.Results, r)

		status := models.JobStatusFailed
		if r.Job != nil {
			status = r.Job.Status
		}
		summary.ByStatus[status]++
		progress.Record(string(status))
	}

	progress.Complete()
	return summary
}
