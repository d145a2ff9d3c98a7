package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// CLIErrorHandler turns command errors into user-facing messages and exit codes
type CLIErrorHandler struct {
	logger  logger.Logger
	out     io.Writer
	verbose bool
}

// NewCLIErrorHandler creates a handler writing to out
func NewCLIErrorHandler(out io.Writer) *CLIErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		out:     out,
		verbose: viper.GetBool("verbose"),
	}
}

// HandleError prints err and returns the exit code for it. A nil error yields 0.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if summary, ok := err.(*errors.ErrorSummary); ok {
		return h.handleSummary(summary)
	}
	if ingestErr, ok := errors.AsIngestError(err); ok {
		return h.handleIngestError(ingestErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleIngestError(err *errors.IngestError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}
	if help := categoryHelp(err.Category); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if err.Cause != nil && (h.verbose || err.Category != errors.CategoryInternal) {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}
	if h.verbose && len(err.StackTrace) > 0 {
		fmt.Fprintf(h.out, "\nStack trace:%+v\n", err.StackTrace)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleSummary(summary *errors.ErrorSummary) int {
	fmt.Fprintf(h.out, "Error: %s\n", summary.Error())
	if summary.Total > 1 {
		for i, err := range summary.Errors {
			if i == 10 {
				fmt.Fprintf(h.out, "  ... and %d more errors\n", summary.Total-10)
				break
			}
			fmt.Fprintf(h.out, "  %d. [%s] %s\n", i+1, err.Category, err.Error())
		}
	}
	return summary.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check permissions on the inbox and disposition directories\n")
		return 2
	case isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	// cobra reports usage problems as plain errors
	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "Run with --verbose for more details\n")
	}
	return 1
}

func categoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryInput:
		return `Input error help:
• Submit reports as .csv, .tsv, .txt or .xlsx
• Legacy .xls workbooks must be re-saved as .xlsx
• Check that the file is complete and readable`

	case errors.CategoryStructural, errors.CategoryInference:
		return `Layout error help:
• The file was moved to the failed directory; its job record holds the detector trail
• Check that identifier, fee and date columns are present
• Use 'ingestor jobs --status FAILED' to see the recorded reason`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Verify configuration file syntax if using --config
• Check INGESTOR_ environment variables
• Use 'ingestor --help' to see all available options`

	case errors.CategoryPersistence:
		return `Database error help:
• Check database connectivity and credentials (database.dsn)
• Run 'ingestor migrate' if the schema is missing
• No report rows from a failed file were kept; the file can be resubmitted`
	}
	return ""
}

func isPermissionError(err error) bool {
	return os.IsPermission(err) || strings.Contains(err.Error(), "permission denied")
}

func isDiskFullError(err error) bool {
	if err == syscall.ENOSPC {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") || strings.Contains(errStr, "disk full")
}
