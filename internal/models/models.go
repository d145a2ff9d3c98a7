package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// JobStatus represents the lifecycle state of a processing job
type JobStatus string

const (
	JobStatusStarted JobStatus = "STARTED"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusPartial JobStatus = "PARTIAL"
	JobStatusFailed  JobStatus = "FAILED"
)

// String returns the string representation of JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known states
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusStarted, JobStatusSuccess, JobStatusPartial, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusPartial || s == JobStatusFailed
}

// Disposition names the location a processed file belongs in
type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionFailed    Disposition = "failed"
	DispositionReview    Disposition = "review"
)

// DispositionFor maps a terminal job status to the file disposition.
func DispositionFor(status JobStatus) Disposition {
	switch status {
	case JobStatusSuccess:
		return DispositionProcessed
	case JobStatusPartial:
		return DispositionReview
	default:
		return DispositionFailed
	}
}

// ProcessingJob records one attempt at processing one file.
type ProcessingJob struct {
	JobID          uuid.UUID      `gorm:"type:varchar(36);primaryKey" json:"job_id"`
	FileName       string         `gorm:"size:255;not null" json:"file_name"`
	Provider       string         `gorm:"size:255" json:"provider"`
	ReportPeriod   string         `gorm:"size:7" json:"report_period"`
	RowsProcessed  int            `gorm:"not null;default:0" json:"rows_processed"`
	RowsInserted   int            `gorm:"not null;default:0" json:"rows_inserted"`
	RowsFailed     int            `gorm:"not null;default:0" json:"rows_failed"`
	RowsDuplicate  int            `gorm:"not null;default:0" json:"rows_duplicate"`
	Status         JobStatus      `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorSummary   *string        `gorm:"type:text" json:"error_summary,omitempty"`
	FileChecksum   string         `gorm:"size:16;index" json:"file_checksum,omitempty"`
	InferenceAudit datatypes.JSON `json:"inference_audit,omitempty"`
	StartedAt      time.Time      `gorm:"not null" json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// TableName pins the table name
func (ProcessingJob) TableName() string { return "processing_jobs" }

// Validate checks the counter and timestamp invariants of the job
func (j *ProcessingJob) Validate() error {
	if j.JobID == uuid.Nil {
		return fmt.Errorf("job id cannot be empty")
	}
	if strings.TrimSpace(j.FileName) == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if j.RowsProcessed < 0 || j.RowsInserted < 0 || j.RowsFailed < 0 || j.RowsDuplicate < 0 {
		return fmt.Errorf("row counters cannot be negative")
	}
	if j.RowsInserted+j.RowsFailed+j.RowsDuplicate > j.RowsProcessed {
		return fmt.Errorf("inserted (%d) + failed (%d) + duplicate (%d) exceeds processed (%d)",
			j.RowsInserted, j.RowsFailed, j.RowsDuplicate, j.RowsProcessed)
	}
	if j.Status.IsTerminal() != (j.FinishedAt != nil) {
		return fmt.Errorf("finished_at must be set exactly when the job is terminal (status %s)", j.Status)
	}
	if j.ReportPeriod != "" && !IsPeriod(j.ReportPeriod) {
		return fmt.Errorf("invalid report period %q", j.ReportPeriod)
	}
	return nil
}

// String returns a string representation of the job
func (j *ProcessingJob) String() string {
	return fmt.Sprintf("Job{ID: %s, File: %s, Status: %s, Processed: %d, Inserted: %d, Failed: %d, Duplicate: %d}",
		j.JobID, j.FileName, j.Status, j.RowsProcessed, j.RowsInserted, j.RowsFailed, j.RowsDuplicate)
}

// ReportStatusIngested marks a report row accepted by the pipeline
const ReportStatusIngested = "ingested"

// Report is the canonical billing record persisted per accepted row.
type Report struct {
	RowID      uint            `gorm:"primaryKey;autoIncrement" json:"row_id"`
	CustomerID string          `gorm:"size:9;not null;uniqueIndex:uix_customer_provider_period" json:"customer_id"`
	Name       *string         `gorm:"size:255" json:"name,omitempty"`
	Fee        decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"fee"`
	Provider   string          `gorm:"size:255;not null;uniqueIndex:uix_customer_provider_period" json:"provider"`
	PaidMonth  string          `gorm:"size:7;not null;uniqueIndex:uix_customer_provider_period" json:"paid_month"`
	IngestedAt time.Time       `gorm:"not null" json:"ingested_at"`
	Status     string          `gorm:"size:20" json:"status"`
	JobID      uuid.UUID       `gorm:"type:varchar(36);index;not null" json:"job_id"`
}

// TableName pins the table name
func (Report) TableName() string { return "reports" }

// Key returns the natural key of the report
func (r *Report) Key() ReportKey {
	return ReportKey{CustomerID: r.CustomerID, Provider: r.Provider, PaidMonth: r.PaidMonth}
}

// ReportKey is the natural key of a report. Provider compares case-insensitively.
type ReportKey struct {
	CustomerID string
	Provider   string
	PaidMonth  string
}

// Normalized returns the key with its provider folded to lower case, suitable
// as a map key.
func (k ReportKey) Normalized() ReportKey {
	k.Provider = strings.ToLower(strings.TrimSpace(k.Provider))
	return k
}

// String returns a string representation of the key
func (k ReportKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.CustomerID, k.Provider, k.PaidMonth)
}

// Client is the reference record used to backfill provider and name by identifier.
type Client struct {
	ClientID  string `gorm:"size:9;primaryKey" json:"client_id"`
	FirstName string `gorm:"size:255;not null" json:"first_name"`
	LastName  string `gorm:"size:255;not null" json:"last_name"`
	Provider  string `gorm:"size:255;not null" json:"provider"`
}

// TableName pins the table name
func (Client) TableName() string { return "clients" }

// FullName joins first and last name
func (c *Client) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// IssueKind tells why a row ended up in the review set
type IssueKind string

const (
	IssueInvalid   IssueKind = "invalid"
	IssueDuplicate IssueKind = "duplicate"
)

// InvalidRow is a rejected row. It is never persisted to the report store.
type InvalidRow struct {
	RowIndex int       `json:"row_index"`
	Data     []string  `json:"data"`
	Errors   []string  `json:"errors"`
	Kind     IssueKind `json:"kind"`
}

// ErrorText joins the reasons for display
func (r InvalidRow) ErrorText() string {
	return strings.Join(r.Errors, "; ")
}

var periodPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])-\d{4}$`)

// IsPeriod reports whether s is a canonical MM-YYYY period
func IsPeriod(s string) bool {
	return periodPattern.MatchString(s)
}

// FormatPeriod renders the month of t as MM-YYYY
func FormatPeriod(t time.Time) string {
	return t.Format("01-2006")
}

// ParsePeriod parses a canonical MM-YYYY period into the first day of the month
func ParsePeriod(s string) (time.Time, error) {
	if !IsPeriod(s) {
		return time.Time{}, fmt.Errorf("invalid period %q, expected MM-YYYY", s)
	}
	return time.Parse("01-2006", s)
}

// ParseDecimalFromString parses a decimal value, tolerating thousands separators and a currency sign
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "₪")
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	return amount, nil
}
