package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"billing-report-ingestor/internal/files"
	"billing-report-ingestor/internal/metrics"
	"billing-report-ingestor/internal/pipeline"
	"billing-report-ingestor/internal/reporter"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

var (
	outputFormat string
	inboxDir     string
	metricsFile  string
)

// processCmd ingests the files named on the command line
var processCmd = &cobra.Command{
	Use:   "process FILE...",
	Short: "Ingest the given report files",
	Long: `Process runs each named file through the ingestion pipeline, one after
the other, and prints a report of the outcomes. Each file gets its own job
record and is moved to the processed, review or failed directory.

Examples:
  ingestor process partner_03-2025.csv
  ingestor process reports/*.xlsx --format json`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: validateFormat,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			if err := validateFileExists(path); err != nil {
				return err
			}
		}
		return ingest(cmd, args)
	},
}

// runCmd ingests every supported file in the inbox
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest every report waiting in the inbox",
	Long: `Run lists the supported files in the inbox directory, processes them in
name order and prints a report. An interrupt stops the run after the file in
progress; remaining files stay in the inbox.

Examples:
  ingestor run
  ingestor run --inbox /data/inbox --format csv
  ingestor run --metrics-file /var/lib/node_exporter/ingestor.prom`,
	Args:    cobra.NoArgs,
	PreRunE: validateFormat,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := files.ListFiles(settings.Dirs.Inbox)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			logger.GetGlobalLogger().WithComponent("cli").WithField("inbox", settings.Dirs.Inbox).Info("Inbox is empty")
		}
		return ingest(cmd, paths)
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(runCmd)

	for _, c := range []*cobra.Command{processCmd, runCmd} {
		c.Flags().StringVarP(&outputFormat, "format", "f", "console", "output format: console, json, csv")
	}
	runCmd.Flags().StringVar(&inboxDir, "inbox", "", "inbox directory (overrides dirs.inbox)")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this textfile after the run")

	viper.BindPFlag("dirs.inbox", runCmd.Flags().Lookup("inbox"))
	viper.BindPFlag("metrics_file", runCmd.Flags().Lookup("metrics-file"))
}

func validateFormat(cmd *cobra.Command, args []string) error {
	if !reporter.OutputFormat(outputFormat).IsValid() {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "format", outputFormat,
			fmt.Errorf("valid formats: console, json, csv"))
	}
	return nil
}

func validateFileExists(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.InputFormatError(errors.CodeFileNotFound, path, err)
	}
	if err != nil {
		return errors.InputFormatError(errors.CodeUnreadable, path, err)
	}
	if info.IsDir() {
		return errors.InputFormatError(errors.CodeUnreadable, path, fmt.Errorf("is a directory"))
	}
	return nil
}

// ingest processes paths, prints the report and returns the typed errors of
// the files that failed.
func ingest(cmd *cobra.Command, paths []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := newPipeline(st)
	if err != nil {
		return err
	}

	summary := p.ProcessAll(ctx, paths)

	cfg := reporter.DefaultReportConfig()
	cfg.Format = reporter.OutputFormat(outputFormat)
	generator, err := reporter.NewReportGenerator(cfg)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "format", outputFormat, err)
	}
	if err := generator.GenerateRunReport(summary, cmd.OutOrStdout()); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "write report", err)
	}

	if settings.MetricsFile != "" {
		if err := metrics.WriteTextfile(settings.MetricsFile); err != nil {
			logger.GetGlobalLogger().WithComponent("cli").WithError(err).Warn("Cannot write metrics textfile")
		}
	}

	return batchError(ctx, summary)
}

func batchError(ctx context.Context, summary *pipeline.BatchSummary) error {
	if errs := summary.Errors(); errs.Total > 0 {
		return errs
	}
	if summary.Skipped > 0 && ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.CategoryInternal, errors.CodeUnexpectedError,
			fmt.Sprintf("run interrupted, %d files left in the inbox", summary.Skipped))
	}
	return nil
}
