package logger

import (
	"fmt"
	"sync"
	"time"
)

// BatchProgress tracks a pass over an inbox of files and logs a running
// tally of outcomes. It is safe for concurrent use.
type BatchProgress struct {
	logger      Logger
	total       int
	done        int
	outcomes    map[string]int
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mu          sync.Mutex
}

// NewBatchProgress creates a tracker for total files. A zero interval logs
// after every file.
func NewBatchProgress(log Logger, total int, interval time.Duration) *BatchProgress {
	if log == nil {
		log = GetGlobalLogger()
	}
	now := time.Now()
	p := &BatchProgress{
		logger:      log.WithComponent("progress"),
		total:       total,
		outcomes:    make(map[string]int),
		startTime:   now,
		lastLogTime: now,
		logInterval: interval,
	}
	p.logger.WithField("total_files", total).Info("Starting batch")
	return p
}

// Record counts one finished file under the given outcome label.
func (p *BatchProgress) Record(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	p.outcomes[outcome]++

	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fieldsLocked(now)).Info("Batch progress")
		p.lastLogTime = now
	}
}

// Complete logs the final tally and returns it.
func (p *BatchProgress) Complete() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.WithFields(p.fieldsLocked(time.Now())).Info("Batch completed")

	out := make(map[string]int, len(p.outcomes))
	for k, v := range p.outcomes {
		out[k] = v
	}
	return out
}

func (p *BatchProgress) fieldsLocked(now time.Time) Fields {
	fields := Fields{
		"processed": p.done,
		"total":     p.total,
		"elapsed":   now.Sub(p.startTime).Round(time.Millisecond).String(),
	}
	if p.total > 0 {
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(p.done)/float64(p.total)*100)
	}
	for k, v := range p.outcomes {
		fields[k] = v
	}
	return fields
}

// StageLogger logs the named stages of a single unit of work with timing.
type StageLogger struct {
	logger    Logger
	startTime time.Time
	stageTime time.Time
}

// NewStageLogger starts timing an operation on the given logger.
func NewStageLogger(log Logger) *StageLogger {
	if log == nil {
		log = GetGlobalLogger()
	}
	now := time.Now()
	return &StageLogger{logger: log, startTime: now, stageTime: now}
}

// Stage logs completion of a stage and the time spent since the previous one.
func (s *StageLogger) Stage(name string, fields Fields) {
	now := time.Now()
	f := Fields{"stage": name, "stage_duration": now.Sub(s.stageTime).String()}
	for k, v := range fields {
		f[k] = v
	}
	s.stageTime = now
	s.logger.WithFields(f).Debug("Stage completed")
}

// Elapsed returns the time since the operation started.
func (s *StageLogger) Elapsed() time.Duration {
	return time.Since(s.startTime)
}
