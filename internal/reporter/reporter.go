// Package reporter renders the results of an ingestion run and listings of
// processing jobs for the command line.
//
// Supported output formats:
//   - Console: human-readable summary for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one record per file or job for spreadsheet applications
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/pipeline"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// IncludeArtifacts lists the review workbooks written for each file.
	IncludeArtifacts bool `json:"include_artifacts"`
	// MaxErrorLength truncates error text in console output. Zero keeps it whole.
	MaxErrorLength int `json:"max_error_length"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeArtifacts: true,
		MaxErrorLength:   200,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxErrorLength < 0 {
		return fmt.Errorf("max error length cannot be negative, got %d", c.MaxErrorLength)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator renders run and job reports in the configured format
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// FileEntry is the flattened outcome of one file
type FileEntry struct {
	File        string             `json:"file"`
	JobID       string             `json:"job_id,omitempty"`
	Status      models.JobStatus   `json:"status"`
	Provider    string             `json:"provider,omitempty"`
	Period      string             `json:"period,omitempty"`
	Processed   int                `json:"rows_processed"`
	Inserted    int                `json:"rows_inserted"`
	Failed      int                `json:"rows_failed"`
	Duplicate   int                `json:"rows_duplicate"`
	Disposition models.Disposition `json:"disposition"`
	MovedTo     string             `json:"moved_to,omitempty"`
	Artifacts   []string           `json:"artifacts,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// RunTotals sums the row counters of a run
type RunTotals struct {
	Files     int `json:"files"`
	Skipped   int `json:"skipped"`
	Processed int `json:"rows_processed"`
	Inserted  int `json:"rows_inserted"`
	Failed    int `json:"rows_failed"`
	Duplicate int `json:"rows_duplicate"`
}

// RunReport is the serializable form of a batch summary
type RunReport struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Totals      RunTotals                `json:"totals"`
	ByStatus    map[models.JobStatus]int `json:"by_status"`
	Files       []FileEntry              `json:"files"`
}

// BuildRunReport flattens a batch summary
func BuildRunReport(summary *pipeline.BatchSummary, now time.Time) *RunReport {
	report := &RunReport{
		GeneratedAt: now,
		ByStatus:    make(map[models.JobStatus]int),
		Totals:      RunTotals{Skipped: summary.Skipped},
	}
	for status, n := range summary.ByStatus {
		report.ByStatus[status] = n
	}

	for _, r := range summary.Results {
		entry := FileEntry{
			File:        r.Path,
			Status:      models.JobStatusFailed,
			Processed:   r.Counters.Processed,
			Inserted:    r.Counters.Inserted,
			Failed:      r.Counters.Failed,
			Duplicate:   r.Counters.Duplicate,
			Disposition: r.Disposition,
			MovedTo:     r.MovedTo,
			Artifacts:   r.Artifacts,
		}
		if r.Job != nil {
			entry.JobID = r.Job.JobID.String()
			entry.Status = r.Job.Status
			entry.Provider = r.Job.Provider
			entry.Period = r.Job.ReportPeriod
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		report.Files = append(report.Files, entry)

		report.Totals.Files++
		report.Totals.Processed += entry.Processed
		report.Totals.Inserted += entry.Inserted
		report.Totals.Failed += entry.Failed
		report.Totals.Duplicate += entry.Duplicate
	}
	return report
}

// GenerateRunReport writes the report of a batch run
func (rg *ReportGenerator) GenerateRunReport(summary *pipeline.BatchSummary, writer io.Writer) error {
	if summary == nil {
		return fmt.Errorf("batch summary cannot be nil")
	}
	report := BuildRunReport(summary, time.Now().UTC())

	switch rg.config.Format {
	case FormatConsole:
		return rg.runConsole(report, writer)
	case FormatJSON:
		return writeJSON(writer, report)
	case FormatCSV:
		return rg.runCSV(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateJobsReport writes a listing of job records
func (rg *ReportGenerator) GenerateJobsReport(jobs []models.ProcessingJob, writer io.Writer) error {
	switch rg.config.Format {
	case FormatConsole:
		return rg.jobsConsole(jobs, writer)
	case FormatJSON:
		if jobs == nil {
			jobs = []models.ProcessingJob{}
		}
		return writeJSON(writer, jobs)
	case FormatCSV:
		return rg.jobsCSV(jobs, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) runConsole(report *RunReport, writer io.Writer) error {
	fmt.Fprintf(writer, "INGESTION REPORT\n")
	fmt.Fprintf(writer, "Generated: %s\n\n", report.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	fmt.Fprintf(writer, "Files:     %d", report.Totals.Files)
	if report.Totals.Skipped > 0 {
		fmt.Fprintf(writer, " (%d skipped)", report.Totals.Skipped)
	}
	fmt.Fprintf(writer, "\n")
	for _, status := range []models.JobStatus{models.JobStatusSuccess, models.JobStatusPartial, models.JobStatusFailed} {
		fmt.Fprintf(writer, "  %-8s %d\n", status, report.ByStatus[status])
	}
	fmt.Fprintf(writer, "\nRows:\n")
	fmt.Fprintf(writer, "  Processed: %d\n", report.Totals.Processed)
	fmt.Fprintf(writer, "  Inserted:  %d\n", report.Totals.Inserted)
	fmt.Fprintf(writer, "  Failed:    %d\n", report.Totals.Failed)
	fmt.Fprintf(writer, "  Duplicate: %d\n", report.Totals.Duplicate)

	if len(report.Files) == 0 {
		return nil
	}

	fmt.Fprintf(writer, "\n=== FILES ===\n")
	for _, f := range report.Files {
		fmt.Fprintf(writer, "%-8s %s\n", f.Status, f.File)
		fmt.Fprintf(writer, "         rows %d processed, %d inserted, %d failed, %d duplicate\n",
			f.Processed, f.Inserted, f.Failed, f.Duplicate)
		if f.Provider != "" || f.Period != "" {
			fmt.Fprintf(writer, "         provider %s, period %s\n", orDash(f.Provider), orDash(f.Period))
		}
		if f.MovedTo != "" {
			fmt.Fprintf(writer, "         moved to %s\n", f.MovedTo)
		}
		if f.Error != "" {
			fmt.Fprintf(writer, "         error: %s\n", rg.truncate(f.Error))
		}
		if rg.config.IncludeArtifacts {
			for _, a := range f.Artifacts {
				fmt.Fprintf(writer, "         review: %s\n", a)
			}
		}
	}
	return nil
}

func (rg *ReportGenerator) runCSV(report *RunReport, writer io.Writer) error {
	csvWriter := rg.csvWriter(writer)
	defer csvWriter.Flush()

	if rg.config.CSVHeaders {
		headers := []string{
			"File", "Job_ID", "Status", "Provider", "Period",
			"Processed", "Inserted", "Failed", "Duplicate",
			"Disposition", "Moved_To", "Artifacts", "Error",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, f := range report.Files {
		record := []string{
			f.File, f.JobID, string(f.Status), f.Provider, f.Period,
			strconv.Itoa(f.Processed), strconv.Itoa(f.Inserted), strconv.Itoa(f.Failed), strconv.Itoa(f.Duplicate),
			string(f.Disposition), f.MovedTo, strings.Join(f.Artifacts, ";"), f.Error,
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write file record: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func (rg *ReportGenerator) jobsConsole(jobs []models.ProcessingJob, writer io.Writer) error {
	if len(jobs) == 0 {
		fmt.Fprintf(writer, "No jobs found.\n")
		return nil
	}

	fmt.Fprintf(writer, "%-8s  %-8s  %-20s  %-7s  %9s  %8s  %6s  %9s  %s\n",
		"JOB", "STATUS", "STARTED", "PERIOD", "PROCESSED", "INSERTED", "FAILED", "DUPLICATE", "FILE")
	for _, j := range jobs {
		fmt.Fprintf(writer, "%-8s  %-8s  %-20s  %-7s  %9d  %8d  %6d  %9d  %s\n",
			shortID(j.JobID), j.Status, j.StartedAt.Format("2006-01-02 15:04:05"), orDash(j.ReportPeriod),
			j.RowsProcessed, j.RowsInserted, j.RowsFailed, j.RowsDuplicate, j.FileName)
		if j.ErrorSummary != nil && *j.ErrorSummary != "" {
			fmt.Fprintf(writer, "          %s\n", rg.truncate(*j.ErrorSummary))
		}
	}
	return nil
}

func (rg *ReportGenerator) jobsCSV(jobs []models.ProcessingJob, writer io.Writer) error {
	csvWriter := rg.csvWriter(writer)
	defer csvWriter.Flush()

	if rg.config.CSVHeaders {
		headers := []string{
			"Job_ID", "File", "Provider", "Period", "Status",
			"Processed", "Inserted", "Failed", "Duplicate",
			"Checksum", "Started_At", "Finished_At", "Error_Summary",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, j := range jobs {
		finished, summary := "", ""
		if j.FinishedAt != nil {
			finished = j.FinishedAt.Format(time.RFC3339)
		}
		if j.ErrorSummary != nil {
			summary = *j.ErrorSummary
		}
		record := []string{
			j.JobID.String(), j.FileName, j.Provider, j.ReportPeriod, string(j.Status),
			strconv.Itoa(j.RowsProcessed), strconv.Itoa(j.RowsInserted), strconv.Itoa(j.RowsFailed), strconv.Itoa(j.RowsDuplicate),
			j.FileChecksum, j.StartedAt.Format(time.RFC3339), finished, summary,
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write job record: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func (rg *ReportGenerator) csvWriter(writer io.Writer) *csv.Writer {
	w := csv.NewWriter(writer)
	w.Comma = rg.config.CSVDelimiter
	return w
}

func (rg *ReportGenerator) truncate(s string) string {
	max := rg.config.MaxErrorLength
	if max == 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func writeJSON(writer io.Writer, v interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
