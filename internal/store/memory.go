package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
)

// Memory is an in-process Store. Transactions are serialized and applied
// by swapping in a modified copy of the state on success.
type Memory struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	jobs    map[uuid.UUID]models.ProcessingJob
	reports []models.Report
	keys    map[models.ReportKey]bool
	clients map[string]models.Client
	nextID  uint
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[uuid.UUID]models.ProcessingJob),
		keys:    make(map[models.ReportKey]bool),
		clients: make(map[string]models.Client),
	}
}

func (m *Memory) CreateJob(_ context.Context, job *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.JobID]; exists {
		return errors.Newf(errors.CategoryPersistence, errors.CodeJobUpdate, "job %s already exists", job.JobID)
	}
	m.jobs[job.JobID] = *job
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.jobs[job.JobID]
	if !exists {
		return errors.PersistenceError(errors.CodeJobUpdate, "update job", ErrNotFound).
			WithContext("job_id", job.JobID.String())
	}
	updated := *job
	updated.StartedAt = prev.StartedAt
	m.jobs[job.JobID] = updated
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []models.ProcessingJob
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Checksum != "" && j.FileChecksum != filter.Checksum {
			continue
		}
		if !filter.Since.IsZero() && j.StartedAt.Before(filter.Since) {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].StartedAt.After(jobs[b].StartedAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (m *Memory) ExistingReportKeys(_ context.Context, keys []models.ReportKey) (map[models.ReportKey]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[models.ReportKey]bool)
	for _, k := range normalizeKeys(keys) {
		if m.keys[k] {
			found[k] = true
		}
	}
	return found, nil
}

// InsertReports enforces the natural-key constraint with the same case
// folding as duplicate lookup. Nothing is kept if any row conflicts.
func (m *Memory) InsertReports(_ context.Context, reports []models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[models.ReportKey]bool, len(reports))
	for i := range reports {
		k := reports[i].Key().Normalized()
		if m.keys[k] || batch[k] {
			return errors.Newf(errors.CategoryDuplicate, errors.CodeDuplicateKey,
				"report key already stored: %s", k).WithContext("rows", len(reports))
		}
		batch[k] = true
	}

	for i := range reports {
		m.nextID++
		reports[i].RowID = m.nextID
		m.reports = append(m.reports, reports[i])
	}
	for k := range batch {
		m.keys[k] = true
	}
	return nil
}

func (m *Memory) CountReports(_ context.Context, jobID uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.reports {
		if r.JobID == jobID {
			n++
		}
	}
	return n, nil
}

// Reports returns a copy of every stored report
func (m *Memory) Reports() []models.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Report(nil), m.reports...)
}

func (m *Memory) ClientsByIDs(_ context.Context, ids []string) (map[string]models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Client)
	for _, id := range ids {
		if c, ok := m.clients[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *Memory) UpsertClients(_ context.Context, clients []models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range clients {
		m.clients[c.ClientID] = c
	}
	return nil
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := m.snapshot()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs, m.reports, m.keys, m.clients, m.nextID = tx.jobs, tx.reports, tx.keys, tx.clients, tx.nextID
	return nil
}

func (m *Memory) snapshot() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := NewMemory()
	for k, v := range m.jobs {
		cp.jobs[k] = v
	}
	cp.reports = append([]models.Report(nil), m.reports...)
	for k := range m.keys {
		cp.keys[k] = true
	}
	for k, v := range m.clients {
		cp.clients[k] = v
	}
	cp.nextID = m.nextID
	return cp
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
