package cmd

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"billing-report-ingestor/pkg/errors"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		want     []string
	}{
		{
			name:     "nil error",
			err:      nil,
			wantCode: 0,
		},
		{
			name:     "input error",
			err:      errors.InputFormatError(errors.CodeUnsupportedFormat, "inbox/report.xls", fmt.Errorf("legacy workbook")),
			wantCode: 2,
			want: []string{
				"Error: unsupported file format: inbox/report.xls",
				"file_path: inbox/report.xls",
				"Suggestion: submit the report as .csv, .tsv, .txt or .xlsx",
				"Input error help:",
				"Underlying error: legacy workbook",
			},
		},
		{
			name:     "persistence error",
			err:      errors.PersistenceError(errors.CodeConnection, "open database", fmt.Errorf("connection refused")),
			wantCode: 5,
			want:     []string{"Database error help:", "ingestor migrate"},
		},
		{
			name: "error summary",
			err: errors.NewErrorSummary([]*errors.IngestError{
				errors.New(errors.CategoryInput, errors.CodeUnreadable, "cannot read a.csv"),
				errors.New(errors.CategoryInference, errors.CodeRoleNotFound, "no fee column in b.csv"),
			}),
			wantCode: 3,
			want:     []string{"2 errors occurred", "1. [input] cannot read a.csv", "2. [inference] no fee column in b.csv"},
		},
		{
			name:     "wrapped ingest error",
			err:      fmt.Errorf("outer: %w", errors.New(errors.CategoryConfiguration, errors.CodeInvalidConfig, "bad setting")),
			wantCode: 4,
			want:     []string{"Error: bad setting", "Configuration error help:"},
		},
		{
			name:     "generic error",
			err:      stderrors.New(`unknown command "foo" for "ingestor"`),
			wantCode: 1,
			want:     []string{`Error: unknown command "foo"`, "--verbose"},
		},
		{
			name:     "permission error",
			err:      stderrors.New("open /data/inbox: permission denied"),
			wantCode: 2,
			want:     []string{"Error: Permission denied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			code := NewCLIErrorHandler(&buf).HandleError(tt.err)
			if code != tt.wantCode {
				t.Errorf("expected exit code %d, got %d", tt.wantCode, code)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
			if tt.err == nil && buf.Len() != 0 {
				t.Errorf("expected no output for nil error, got %q", buf.String())
			}
		})
	}
}

func TestSummaryListIsCapped(t *testing.T) {
	var errs []*errors.IngestError
	for i := 0; i < 12; i++ {
		errs = append(errs, errors.Newf(errors.CategoryInput, errors.CodeUnreadable, "file %d", i))
	}

	var buf bytes.Buffer
	NewCLIErrorHandler(&buf).HandleError(errors.NewErrorSummary(errs))
	if !strings.Contains(buf.String(), "... and 2 more errors") {
		t.Errorf("expected capped list:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "11. ") {
		t.Errorf("expected at most 10 listed errors:\n%s", buf.String())
	}
}
