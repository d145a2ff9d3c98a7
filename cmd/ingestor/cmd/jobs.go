package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/reporter"
	"billing-report-ingestor/internal/store"
	"billing-report-ingestor/pkg/errors"
)

var (
	jobStatus   string
	jobChecksum string
	jobSince    time.Duration
	jobLimit    int
)

// jobsCmd lists recorded processing jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent processing jobs",
	Long: `Jobs prints the most recent processing job records, newest first.

Examples:
  ingestor jobs
  ingestor jobs --status FAILED --since 24h
  ingestor jobs --checksum 9f3c2a7b1e0d4c65 --format json`,
	Args:    cobra.NoArgs,
	PreRunE: validateFormat,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := jobFilter()
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListJobs(cmd.Context(), filter)
		if err != nil {
			return err
		}

		cfg := reporter.DefaultReportConfig()
		cfg.Format = reporter.OutputFormat(outputFormat)
		generator, err := reporter.NewReportGenerator(cfg)
		if err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "format", outputFormat, err)
		}
		return generator.GenerateJobsReport(list, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().StringVarP(&outputFormat, "format", "f", "console", "output format: console, json, csv")
	jobsCmd.Flags().StringVar(&jobStatus, "status", "", "only jobs in this status: STARTED, SUCCESS, PARTIAL, FAILED")
	jobsCmd.Flags().StringVar(&jobChecksum, "checksum", "", "only jobs for files with this checksum")
	jobsCmd.Flags().DurationVar(&jobSince, "since", 0, "only jobs started within this duration")
	jobsCmd.Flags().IntVarP(&jobLimit, "limit", "n", 20, "maximum number of jobs to list")
}

func jobFilter() (store.JobFilter, error) {
	filter := store.JobFilter{Checksum: jobChecksum, Limit: jobLimit}
	if jobStatus != "" {
		status := models.JobStatus(strings.ToUpper(jobStatus))
		if !status.IsValid() {
			return filter, errors.ConfigurationError(errors.CodeInvalidConfig, "status", jobStatus,
				fmt.Errorf("valid statuses: STARTED, SUCCESS, PARTIAL, FAILED"))
		}
		filter.Status = status
	}
	if jobLimit < 0 {
		return filter, errors.ConfigurationError(errors.CodeInvalidConfig, "limit", jobLimit, fmt.Errorf("cannot be negative"))
	}
	if jobSince > 0 {
		filter.Since = time.Now().UTC().Add(-jobSince)
	}
	return filter, nil
}
