// Package inference locates the semantic columns of an untyped provider
// report.
//
// A run first isolates the table (see Isolate) and then applies an ordered,
// closed list of detectors. Each detector inspects a deterministic random
// sample of candidate columns and returns a Verdict:
//
//   - ok: the role was found and its column renamed to the role name
//   - managed: the role was not found but a safe default was applied
//   - failed: the file cannot be processed
//
// Managed verdicts from detectors are counted; a run whose count exceeds the
// configured issue threshold fails as a whole. All verdicts are kept in
// order on the Result so the chosen columns, and the reasons for choosing
// them, can be stored with the job and reproduced from the same input.
package inference

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// Outcome is the verdict of a single step
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeManaged Outcome = "managed"
	OutcomeFailed  Outcome = "failed"
)

// StepIsolate names the isolation step in the audit trail
const StepIsolate = "isolate"

// Verdict records the decision of one step
type Verdict struct {
	Step       string  `json:"step"`
	Outcome    Outcome `json:"outcome"`
	Role       Role    `json:"role,omitempty"`
	Column     int     `json:"column"`
	ColumnName string  `json:"column_name,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Reason     string  `json:"reason"`

	code errors.ErrorCode
}

// ColumnBinding points a role at a physical column
type ColumnBinding struct {
	Index        int    `json:"index"`
	OriginalName string `json:"original_name"`
}

// ColumnRoleMap maps inferred roles to columns
type ColumnRoleMap map[Role]ColumnBinding

// Lookup returns the binding for role
func (m ColumnRoleMap) Lookup(role Role) (ColumnBinding, bool) {
	b, ok := m[role]
	return b, ok
}

// Result is the outcome of an inference run
type Result struct {
	// Table is the isolated table with role columns renamed to their role.
	Table     *table.Table
	Isolation IsolationResult
	Roles     ColumnRoleMap
	Verdicts  []Verdict

	// Provider is the file level provider picked from a provider column;
	// empty when resolution is deferred.
	Provider           string
	ProviderRegistered bool

	// Period is the fallback period applied when no period column was found.
	Period string

	// FeeOutliers maps table rows to the reason their fee was rejected.
	FeeOutliers map[int]string

	ManagedCount int
}

// Audit renders the verdict trail as JSON for storage on the job record
func (r *Result) Audit() []byte {
	payload := struct {
		Verdicts []Verdict     `json:"verdicts"`
		Roles    ColumnRoleMap `json:"roles"`
		Managed  int           `json:"managed"`
	}{r.Verdicts, r.Roles, r.ManagedCount}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// Engine runs the configured detectors over tables
type Engine struct {
	cfg    Config
	logger logger.Logger
}

// NewEngine creates an engine. The configuration is copied and never mutated.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "inference", nil, err)
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.GetGlobalLogger().WithComponent("inference"),
	}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

type runState struct {
	cfg      Config
	table    *table.Table
	now      time.Time
	assigned map[int]bool
	result   *Result
	log      logger.Logger
}

// Run isolates raw and applies the detectors in order. now anchors the
// reporting period window. On failure the partial Result is still returned
// with its verdict trail, together with an inference or structural error.
func (e *Engine) Run(raw *table.Table, now time.Time) (*Result, error) {
	log := e.logger.WithField("file", raw.Source.Path)
	result := &Result{Roles: make(ColumnRoleMap), FeeOutliers: make(map[int]string)}

	isolated, iso := Isolate(raw, e.cfg)
	result.Isolation = iso
	result.Verdicts = append(result.Verdicts, Verdict{Step: StepIsolate, Outcome: iso.Outcome, Column: -1, Reason: iso.Reason})
	log.WithFields(logger.Fields{
		"outcome":         iso.Outcome,
		"dropped_rows":    iso.DroppedRows,
		"dropped_columns": iso.DroppedColumns,
		"synthesized":     iso.HeaderSynthesized,
	}).Info(iso.Reason)

	if iso.Outcome == OutcomeFailed {
		return result, errors.StructuralError(iso.Code, iso.Reason)
	}

	state := &runState{
		cfg:      e.cfg,
		table:    isolated.Clone(),
		now:      now,
		assigned: make(map[int]bool),
		result:   result,
		log:      log,
	}

	for _, kind := range e.cfg.Detectors {
		v := state.detect(kind)
		result.Verdicts = append(result.Verdicts, v)

		fields := logger.Fields{"detector": v.Step, "outcome": v.Outcome, "column": v.ColumnName}
		switch v.Outcome {
		case OutcomeFailed:
			log.WithFields(fields).Warn(v.Reason)
			code := v.code
			if code == "" {
				code = errors.CodeRoleNotFound
			}
			return result, errors.InferenceFailure(code, v.Step, v.Reason)
		case OutcomeManaged:
			result.ManagedCount++
			log.WithFields(fields).Warn(v.Reason)
			if result.ManagedCount > e.cfg.IssueThreshold {
				reason := fmt.Sprintf("%d degraded inference outcomes exceed the allowed %d",
					result.ManagedCount, e.cfg.IssueThreshold)
				return result, errors.InferenceFailure(errors.CodeBudgetExhausted, v.Step, reason)
			}
		default:
			log.WithFields(fields).Info(v.Reason)
		}
	}

	state.bindName()
	result.Table = state.table
	return result, nil
}

func (s *runState) detect(kind DetectorKind) Verdict {
	switch kind {
	case DetectIdentifier:
		return s.detectIdentifier()
	case DetectFee:
		return s.detectFee()
	case DetectPeriod:
		return s.detectPeriod()
	case DetectProvider:
		return s.detectProvider()
	}
	return Verdict{Step: string(kind), Outcome: OutcomeFailed, Column: -1,
		Reason: fmt.Sprintf("unknown detector %q", kind), code: errors.CodeUnknownDetector}
}

// assign binds role to column c and renames the column.
func (s *runState) assign(role Role, c int) {
	s.result.Roles[role] = ColumnBinding{Index: c, OriginalName: s.table.Header[c]}
	s.table.Header[c] = string(role)
	s.assigned[c] = true
}

// bindName picks up an optional name column by header alias.
func (s *runState) bindName() {
	if s.result.Isolation.HeaderSynthesized {
		return
	}
	for i, h := range s.table.Header {
		if !s.assigned[i] && matchesAlias(h, s.cfg.NameAliases) {
			s.assign(RoleName, i)
			return
		}
	}
}

// nonNullSample returns the seeded sample of column c's non-null values.
func (s *runState) nonNullSample(c int) []string {
	values, _ := s.table.NonNull(c)
	return sample(values, s.cfg.SampleSize, s.cfg.Seed)
}

func isKnownFee(v decimal.Decimal, known []decimal.Decimal) bool {
	for _, k := range known {
		if v.Equal(k) {
			return true
		}
	}
	return false
}
