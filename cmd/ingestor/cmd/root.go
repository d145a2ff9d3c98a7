package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"billing-report-ingestor/cmd/ingestor/config"
	"billing-report-ingestor/internal/files"
	"billing-report-ingestor/internal/pipeline"
	"billing-report-ingestor/internal/review"
	"billing-report-ingestor/internal/store"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// settings is loaded before every command runs
	settings *config.Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ingestor",
	Short: "Billing report ingestion tool",
	Long: `Ingestor loads monthly billing reports submitted by providers into the
report store. Each file is checked, its columns are inferred from content,
rows are validated and deduplicated, and the outcome is recorded as a
processing job. Rejected rows are written to review workbooks.

Examples:
  ingestor migrate
  ingestor process inbox/partner_03-2025.xlsx
  ingestor run --inbox /data/inbox --metrics-file /var/lib/node_exporter/ingestor.prom
  ingestor jobs --status FAILED --limit 10
  ingestor check-id 280340639 123456789`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSettings,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	return NewCLIErrorHandler(rootCmd.ErrOrStderr()).HandleError(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// loadSettings reads the config file and environment, validates the result
// and installs the process logger.
func loadSettings(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	config.Configure(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "config", cfgFile, err)
		}
	}

	s, err := config.Load(v)
	if err != nil {
		return err
	}
	if v.GetBool("verbose") {
		s.Log.Level = string(logger.DebugLevel)
	}

	log, err := logger.NewLogger(s.LoggerConfig())
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", s.Log.Output, err)
	}
	logger.SetGlobalLogger(log)
	if used := v.ConfigFileUsed(); used != "" {
		log.WithComponent("cli").WithField("config", used).Debug("Using config file")
	}

	settings = s
	return nil
}

// openStore connects to the configured report store
func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, settings.StoreConfig())
}

// newPipeline builds a pipeline over st from the loaded settings
func newPipeline(st store.Store) (*pipeline.Pipeline, error) {
	cfg, err := settings.PipelineConfig()
	if err != nil {
		return nil, err
	}
	writer, err := review.NewWriter(settings.ReviewConfig())
	if err != nil {
		return nil, err
	}
	mover := files.NewMover(settings.Dirs.Processed, settings.Dirs.Failed, settings.Dirs.Review)

	return pipeline.New(pipeline.Deps{Store: st, Review: writer, Mover: mover}, cfg)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
