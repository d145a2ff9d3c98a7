package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-report-ingestor/internal/files"
	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/review"
	"billing-report-ingestor/internal/store"
	"billing-report-ingestor/pkg/errors"
)

var validIDs = []string{
	"280340639", "863972501", "184700540", "442347852", "258267806", "764961710",
	"703296699", "733836837", "974553281", "609510920", "381796572", "225976208",
}

var fixedNow = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

type env struct {
	dir      string
	mem      *store.Memory
	pipeline *Pipeline
}

func newEnv(t *testing.T, s store.Store) *env {
	t.Helper()
	dir := t.TempDir()
	mem, _ := s.(*store.Memory)
	if s == nil {
		mem = store.NewMemory()
		s = mem
	}

	writer, err := review.NewWriter(review.Config{Dir: filepath.Join(dir, "review_artifacts"), Sheet: "review", HighlightColor: "#FFC7CE"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Inference.Provider.Registry = map[string]string{"partner": "Partner", "פרטנר": "Partner"}

	p, err := New(Deps{
		Store:  s,
		Review: writer,
		Mover:  files.NewMover(filepath.Join(dir, "processed"), filepath.Join(dir, "failed"), filepath.Join(dir, "review")),
		Clock:  func() time.Time { return fixedNow },
	}, cfg)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inbox"), 0o755))
	return &env{dir: dir, mem: mem, pipeline: p}
}

func (e *env) write(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(e.dir, "inbox", name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func cleanLines(fee string, ids ...string) []string {
	lines := []string{"id,fee,date"}
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("%s,%s,15/03/2025", id, fee))
	}
	return lines
}

func requireTerminal(t *testing.T, job *models.ProcessingJob) {
	t.Helper()
	require.NotNil(t, job)
	assert.True(t, job.Status.IsTerminal(), "job %s is not terminal", job)
	assert.NoError(t, job.Validate())
}

func TestCleanFileSucceeds(t *testing.T) {
	e := newEnv(t, nil)
	path := e.write(t, "partner_03-2025.csv", cleanLines("62", validIDs...)...)

	r := e.pipeline.ProcessFile(context.Background(), path)
	require.NoError(t, r.Err)
	requireTerminal(t, r.Job)

	assert.Equal(t, models.JobStatusSuccess, r.Job.Status)
	assert.Equal(t, len(validIDs), r.Job.RowsProcessed)
	assert.Equal(t, len(validIDs), r.Job.RowsInserted)
	assert.Zero(t, r.Job.RowsFailed)
	assert.Nil(t, r.Job.ErrorSummary)
	assert.Equal(t, "Partner", r.Job.Provider)
	assert.Equal(t, "03-2025", r.Job.ReportPeriod)
	assert.NotEmpty(t, r.Job.FileChecksum)
	assert.Contains(t, string(r.Job.InferenceAudit), `"step":"identifier"`)

	assert.Equal(t, models.DispositionProcessed, r.Disposition)
	assert.Equal(t, filepath.Join(e.dir, "processed", "partner_03-2025_processed.csv"), r.MovedTo)
	assert.Empty(t, r.Artifacts)

	reports := e.mem.Reports()
	require.Len(t, reports, len(validIDs))
	for _, rep := range reports {
		assert.Equal(t, "Partner", rep.Provider)
		assert.Equal(t, "03-2025", rep.PaidMonth)
		assert.Equal(t, r.Job.JobID, rep.JobID)
	}

	stored, err := e.mem.GetJob(context.Background(), r.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, stored.Status)
}

func TestIdentifierLikeFeesFailTheFile(t *testing.T) {
	e := newEnv(t, nil)
	lines := cleanLines("62", validIDs...)
	for _, i := range []int{2, 5, 9} {
		lines[i] = strings.Replace(lines[i], ",62,", ",999999,", 1)
	}
	path := e.write(t, "partner_03-2025.csv", lines...)

	r := e.pipeline.ProcessFile(context.Background(), path)
	require.Error(t, r.Err)
	requireTerminal(t, r.Job)

	assert.Equal(t, models.JobStatusFailed, r.Job.Status)
	assert.Zero(t, r.Job.RowsInserted)
	assert.True(t, errors.IsCategory(r.Err, errors.CategoryInference))
	require.NotNil(t, r.Job.ErrorSummary)
	assert.Equal(t, r.Err.Error(), *r.Job.ErrorSummary)
	assert.Empty(t, e.mem.Reports())
	assert.Equal(t, models.DispositionFailed, r.Disposition)
	assert.FileExists(t, r.MovedTo)
}

func TestHeaderlessUnregisteredProviderContinues(t *testing.T) {
	e := newEnv(t, nil)
	var lines []string
	for _, id := range validIDs {
		lines = append(lines, id+",62,SomeTelco,15/03/2025")
	}
	path := e.write(t, "report.csv", lines...)

	r := e.pipeline.ProcessFile(context.Background(), path)
	require.NoError(t, r.Err)
	requireTerminal(t, r.Job)

	assert.Equal(t, models.JobStatusSuccess, r.Job.Status)
	assert.Equal(t, "SomeTelco", r.Job.Provider)
	assert.Contains(t, string(r.Job.InferenceAudit), `"outcome":"managed"`)
	for _, rep := range e.mem.Reports() {
		assert.Equal(t, "SomeTelco", rep.Provider)
	}
}

func TestDuplicatesAcrossFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	first := e.pipeline.ProcessFile(ctx, e.write(t, "partner_a.csv", cleanLines("62", validIDs...)...))
	require.NoError(t, first.Err)
	assert.Equal(t, models.JobStatusSuccess, first.Job.Status)

	second := e.pipeline.ProcessFile(ctx, e.write(t, "partner_b.csv",
		cleanLines("62", "280340639", "123456782", "000000018", "012345674", "001234566")...))
	require.NoError(t, second.Err)
	requireTerminal(t, second.Job)
	assert.Equal(t, models.JobStatusPartial, second.Job.Status)
	assert.Equal(t, 5, second.Job.RowsProcessed)
	assert.Equal(t, 4, second.Job.RowsInserted)
	assert.Equal(t, 1, second.Job.RowsDuplicate)
	assert.Zero(t, second.Job.RowsFailed)
	require.NotNil(t, second.Job.ErrorSummary)
	assert.Equal(t, "1 duplicate rows", *second.Job.ErrorSummary)
	assert.Equal(t, models.DispositionReview, second.Disposition)
	require.Len(t, second.Artifacts, 2)
	for _, a := range second.Artifacts {
		assert.FileExists(t, a)
	}

	third := e.pipeline.ProcessFile(ctx, e.write(t, "partner_c.csv", cleanLines("62", "863972501")...))
	require.NoError(t, third.Err)
	requireTerminal(t, third.Job)
	assert.Equal(t, models.JobStatusFailed, third.Job.Status)
	assert.Zero(t, third.Job.RowsInserted)
	assert.Equal(t, 1, third.Job.RowsDuplicate)

	assert.Len(t, e.mem.Reports(), len(validIDs)+4)
}

func TestRowErrorsYieldPartialJob(t *testing.T) {
	e := newEnv(t, nil)
	lines := cleanLines("62", validIDs...)
	lines = append(lines, "123456789,62,15/03/2025", "382341214,62,15/03/2025")
	path := e.write(t, "partner_03-2025.csv", lines...)

	r := e.pipeline.ProcessFile(context.Background(), path)
	require.NoError(t, r.Err)
	requireTerminal(t, r.Job)

	assert.Equal(t, models.JobStatusPartial, r.Job.Status)
	assert.Equal(t, len(validIDs)+2, r.Job.RowsProcessed)
	assert.Equal(t, len(validIDs), r.Job.RowsInserted)
	assert.Equal(t, 2, r.Job.RowsFailed)
	assert.Len(t, r.Artifacts, 2)
}

func TestClientBackfill(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	var clients []models.Client
	for _, id := range validIDs {
		clients = append(clients, models.Client{ClientID: id, FirstName: "Dana", LastName: id[:3], Provider: "Cellcom"})
	}
	require.NoError(t, e.mem.UpsertClients(ctx, clients))

	r := e.pipeline.ProcessFile(ctx, e.write(t, "report.csv", cleanLines("62", validIDs...)...))
	require.NoError(t, r.Err)
	assert.Equal(t, models.JobStatusSuccess, r.Job.Status)

	for _, rep := range e.mem.Reports() {
		assert.Equal(t, "Cellcom", rep.Provider)
		require.NotNil(t, rep.Name)
		assert.Equal(t, "Dana "+rep.CustomerID[:3], *rep.Name)
	}
}

func TestNoValidRowsFails(t *testing.T) {
	e := newEnv(t, nil)
	var lines []string
	lines = append(lines, "id,fee,provider,date")
	for _, id := range validIDs {
		lines = append(lines, id+",62,Unknown,15/03/2025")
	}
	r := e.pipeline.ProcessFile(context.Background(), e.write(t, "report.csv", lines...))

	require.Error(t, r.Err)
	requireTerminal(t, r.Job)
	assert.True(t, errors.IsCategory(r.Err, errors.CategoryValidation))
	assert.Equal(t, models.JobStatusFailed, r.Job.Status)
	assert.Equal(t, len(validIDs), r.Job.RowsProcessed)
	assert.Equal(t, len(validIDs), r.Job.RowsFailed)
	assert.Len(t, r.Artifacts, 2)
	assert.Empty(t, e.mem.Reports())
}

func TestUnreadableFiles(t *testing.T) {
	e := newEnv(t, nil)
	pdf := e.write(t, "report.pdf", "%PDF-1.4")

	r := e.pipeline.ProcessFile(context.Background(), pdf)
	require.Error(t, r.Err)
	requireTerminal(t, r.Job)
	assert.True(t, errors.IsCategory(r.Err, errors.CategoryInput))
	assert.Equal(t, models.DispositionFailed, r.Disposition)

	r = e.pipeline.ProcessFile(context.Background(), filepath.Join(e.dir, "inbox", "missing.csv"))
	require.Error(t, r.Err)
	requireTerminal(t, r.Job)
	assert.Empty(t, r.MovedTo)
}

// failingStore injects faults into the insert step.
type failingStore struct {
	*store.Memory
	panics bool
}

type failingTx struct {
	store.Store
	panics bool
}

func (s failingStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Memory.Transaction(ctx, func(tx store.Store) error {
		return fn(failingTx{Store: tx, panics: s.panics})
	})
}

func (t failingTx) InsertReports(ctx context.Context, reports []models.Report) error {
	if err := t.Store.InsertReports(ctx, reports); err != nil {
		return err
	}
	if t.panics {
		panic("insert exploded")
	}
	return errors.PersistenceError(errors.CodeInsertFailed, "insert reports", fmt.Errorf("disk I/O error"))
}

func TestPersistenceFailureLeavesNoRows(t *testing.T) {
	mem := store.NewMemory()
	e := newEnv(t, failingStore{Memory: mem})

	r := e.pipeline.ProcessFile(context.Background(), e.write(t, "partner_x.csv", cleanLines("62", validIDs...)...))
	require.Error(t, r.Err)
	assert.True(t, errors.IsCategory(r.Err, errors.CategoryPersistence))

	stored, err := mem.GetJob(context.Background(), r.Job.JobID)
	require.NoError(t, err)
	requireTerminal(t, stored)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Zero(t, stored.RowsInserted)
	assert.Empty(t, mem.Reports())
}

func TestPanicIsConvertedToFailedJob(t *testing.T) {
	mem := store.NewMemory()
	e := newEnv(t, failingStore{Memory: mem, panics: true})

	var r *FileResult
	require.NotPanics(t, func() {
		r = e.pipeline.ProcessFile(context.Background(), e.write(t, "partner_x.csv", cleanLines("62", validIDs...)...))
	})
	require.Error(t, r.Err)
	assert.True(t, errors.IsCategory(r.Err, errors.CategoryInternal))

	stored, err := mem.GetJob(context.Background(), r.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorSummary)
	assert.Contains(t, *stored.ErrorSummary, "insert exploded")
	assert.Empty(t, mem.Reports())
	assert.Equal(t, models.DispositionFailed, r.Disposition)
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), &store.Config{
		Driver:       store.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		MaxOpenConns: 1,
		BatchSize:    100,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCancellationMidFileStillFinishesJob(t *testing.T) {
	s := openSQLite(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "partner_03-2025.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(cleanLines("62", validIDs...), "\n")+"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the third clock reading happens as the stages begin
	calls := 0
	clock := func() time.Time {
		calls++
		if calls == 3 {
			cancel()
		}
		return fixedNow
	}

	cfg := DefaultConfig()
	cfg.Inference.Provider.Registry = map[string]string{"partner": "Partner"}
	p, err := New(Deps{
		Store: s,
		Mover: files.NewMover(filepath.Join(dir, "processed"), filepath.Join(dir, "failed"), filepath.Join(dir, "review")),
		Clock: clock,
	}, cfg)
	require.NoError(t, err)

	r := p.ProcessFile(ctx, path)
	require.NotNil(t, r.Job)
	require.Error(t, ctx.Err())

	stored, err := s.GetJob(context.Background(), r.Job.JobID)
	require.NoError(t, err)
	requireTerminal(t, stored)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, r.Job.Status, stored.Status)
	assert.Equal(t, models.DispositionFor(stored.Status), r.Disposition)
}

func TestFailedJobIsRecordedAfterCancellation(t *testing.T) {
	s := openSQLite(t)
	e := newEnv(t, s)
	path := e.write(t, "partner_03-2025.csv", cleanLines("999999", validIDs...)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := e.pipeline.ProcessFile(ctx, path)
	require.Error(t, r.Err)

	stored, err := s.GetJob(context.Background(), r.Job.JobID)
	require.NoError(t, err)
	requireTerminal(t, stored)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorSummary)
	assert.NotContains(t, *stored.ErrorSummary, "context canceled")
}

func TestProcessAll(t *testing.T) {
	e := newEnv(t, nil)
	paths := []string{
		e.write(t, "partner_a.csv", cleanLines("62", validIDs...)...),
		e.write(t, "partner_b.csv", cleanLines("62", validIDs[0])...),
		e.write(t, "broken.pdf", "%PDF-1.4"),
	}

	summary := e.pipeline.ProcessAll(context.Background(), paths)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, 1, summary.ByStatus[models.JobStatusSuccess])
	assert.Equal(t, 2, summary.ByStatus[models.JobStatusFailed])
	assert.Equal(t, 1, summary.Errors().Total)
	assert.Equal(t, 2, summary.Errors().GetExitCode())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary = e.pipeline.ProcessAll(ctx, paths)
	assert.Empty(t, summary.Results)
	assert.Equal(t, 3, summary.Skipped)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
