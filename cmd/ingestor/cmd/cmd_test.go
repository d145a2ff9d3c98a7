package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"billing-report-ingestor/internal/models"
)

var validIDs = []string{
	"280340639", "863972501", "184700540", "442347852", "258267806", "764961710",
	"703296699", "733836837", "974553281", "609510920", "381796572", "225976208",
}

// workspace points every directory and the database at a fresh temp dir.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{"inbox", "processed", "failed", "review"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", d, err)
		}
		viper.Set("dirs."+d, filepath.Join(dir, d))
	}
	viper.Set("database.driver", "sqlite")
	viper.Set("database.dsn", filepath.Join(dir, "ingestor.db"))
	viper.Set("database.max_open_conns", 1)
	viper.Set("log.level", "error")
	viper.Set("metrics_file", "")
	t.Cleanup(func() { viper.Reset() })
	return dir
}

func executeCommand(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	outputFormat = "console"
	jobStatus, jobChecksum, jobSince, jobLimit = "", "", 0, 20

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	code := NewCLIErrorHandler(&errOut).HandleError(err)
	return out.String(), errOut.String(), code
}

// reportLines builds a clean report dated in the previous calendar month.
func reportLines(ids ...string) string {
	now := time.Now()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 14)
	var b strings.Builder
	b.WriteString("id,fee,date\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "%s,62,%s\n", id, month.Format("02/01/2006"))
	}
	return b.String()
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestCheckID(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		want     []string
	}{
		{
			name: "valid identifiers",
			args: []string{"check-id", "280340639", "1234566", "28034063-9"},
			want: []string{"280340639    280340639 valid", "1234566      001234566 valid", "28034063-9   280340639 valid"},
		},
		{
			name:     "invalid identifier",
			args:     []string{"check-id", "280340639", "123456789", "abc"},
			wantCode: 3,
			want:     []string{"123456789    123456789 invalid", "abc          -         invalid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workspace(t)
			out, stderr, code := executeCommand(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d (%s)", tt.wantCode, code, stderr)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestMigrate(t *testing.T) {
	workspace(t)
	out, stderr, code := executeCommand(t, "migrate")
	if code != 0 {
		t.Fatalf("migrate failed with %d: %s", code, stderr)
	}
	if !strings.Contains(out, "Schema is up to date (sqlite)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestProcessAndListJobs(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, filepath.Join(dir, "inbox", "partner_report.csv"), reportLines(validIDs...))

	out, stderr, code := executeCommand(t, "process", path)
	if code != 0 {
		t.Fatalf("process failed with %d: %s\n%s", code, stderr, out)
	}
	if !strings.Contains(out, "SUCCESS  "+path) {
		t.Errorf("expected success line in report:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "processed", "partner_report_processed.csv")); err != nil {
		t.Errorf("expected file in processed directory: %v", err)
	}

	out, stderr, code = executeCommand(t, "jobs", "--format", "json")
	if code != 0 {
		t.Fatalf("jobs failed with %d: %s", code, stderr)
	}
	var list []models.ProcessingJob
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(list) != 1 || list[0].Status != models.JobStatusSuccess || list[0].RowsInserted != len(validIDs) {
		t.Errorf("unexpected jobs %+v", list)
	}

	out, _, code = executeCommand(t, "jobs", "--status", "failed")
	if code != 0 || out != "No jobs found.\n" {
		t.Errorf("expected no failed jobs, got %d %q", code, out)
	}

	_, _, code = executeCommand(t, "jobs", "--status", "done")
	if code != 4 {
		t.Errorf("expected configuration exit code for bad status, got %d", code)
	}
}

func TestProcessMissingFile(t *testing.T) {
	dir := workspace(t)
	_, stderr, code := executeCommand(t, "process", filepath.Join(dir, "nope.csv"))
	if code != 2 {
		t.Fatalf("expected input exit code 2, got %d", code)
	}
	if !strings.Contains(stderr, "file not found") || !strings.Contains(stderr, "Suggestion:") {
		t.Errorf("unexpected error output:\n%s", stderr)
	}
}

func TestProcessInvalidFormat(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, filepath.Join(dir, "inbox", "partner_report.csv"), reportLines(validIDs...))
	_, _, code := executeCommand(t, "process", path, "--format", "xml")
	if code != 4 {
		t.Errorf("expected configuration exit code 4, got %d", code)
	}
}

func TestRunInbox(t *testing.T) {
	dir := workspace(t)
	writeFile(t, filepath.Join(dir, "inbox", "partner_a.csv"), reportLines(validIDs...))
	writeFile(t, filepath.Join(dir, "inbox", "broken.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(dir, "inbox", "notes.md"), "not a report")
	metricsPath := filepath.Join(dir, "ingestor.prom")
	viper.Set("metrics_file", metricsPath)

	out, stderr, code := executeCommand(t, "run", "--format", "csv")
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.Contains(out, "partner_a.csv") || strings.Contains(out, "broken.pdf") || strings.Contains(out, "notes.md") {
		t.Errorf("unexpected run report:\n%s", out)
	}

	if _, err := os.Stat(filepath.Join(dir, "inbox", "partner_a.csv")); !os.IsNotExist(err) {
		t.Error("expected processed file to leave the inbox")
	}
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), "ingestor_jobs_total") {
		t.Errorf("metrics textfile missing job counter:\n%s", data)
	}
}

func TestRunReportsFailedFiles(t *testing.T) {
	dir := workspace(t)
	writeFile(t, filepath.Join(dir, "inbox", "partner_a.csv"), reportLines(validIDs...))
	writeFile(t, filepath.Join(dir, "inbox", "partner_b.csv"), "id,fee,date\n280340639,999999,01/01/2020\n")

	out, stderr, code := executeCommand(t, "run")
	if code != 3 {
		t.Fatalf("expected inference exit code 3, got %d: %s", code, stderr)
	}
	if !strings.Contains(out, "FAILED   "+filepath.Join(dir, "inbox", "partner_b.csv")) {
		t.Errorf("expected failed line in report:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "failed", "partner_b_failed.csv")); err != nil {
		t.Errorf("expected file in failed directory: %v", err)
	}
}

func TestRunMissingInbox(t *testing.T) {
	dir := workspace(t)
	viper.Set("dirs.inbox", filepath.Join(dir, "missing"))
	_, _, code := executeCommand(t, "run")
	if code != 2 {
		t.Errorf("expected input exit code 2, got %d", code)
	}
}

func TestClientsImport(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, filepath.Join(dir, "clients.csv"),
		"client_id,first_name,last_name,provider\n"+
			"280340639,Dana,Levi,Cellcom\n"+
			"1234566,Noa,Cohen,Partner\n"+
			"123456789,Bad,Id,Partner\n")

	out, stderr, code := executeCommand(t, "clients", "import", path)
	if code != 0 {
		t.Fatalf("import failed with %d: %s", code, stderr)
	}
	if !strings.Contains(out, "Imported 2 clients, skipped 1 rows") {
		t.Errorf("unexpected output %q", out)
	}

	missing := writeFile(t, filepath.Join(dir, "bad_clients.csv"), "id,name\n280340639,Dana\n280340639,Dana\n")
	_, _, code = executeCommand(t, "clients", "import", missing)
	if code != 3 {
		t.Errorf("expected structural exit code 3, got %d", code)
	}
}
