// Package config loads the ingestor settings from viper and converts them into
// the immutable configuration of each component. No component reads viper
// itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"billing-report-ingestor/internal/inference"
	"billing-report-ingestor/internal/pipeline"
	"billing-report-ingestor/internal/review"
	"billing-report-ingestor/internal/store"
	"billing-report-ingestor/internal/validation"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// EnvPrefix is the prefix of environment variables read by viper
const EnvPrefix = "INGESTOR"

// Settings is the complete set of user-facing settings
type Settings struct {
	Dirs      DirSettings       `mapstructure:"dirs"`
	Database  DatabaseSettings  `mapstructure:"database"`
	Log       LogSettings       `mapstructure:"log"`
	Inference InferenceSettings `mapstructure:"inference"`
	Rules     RuleSettings      `mapstructure:"rules"`
	Review    ReviewSettings    `mapstructure:"review"`
	// Providers maps raw provider spellings to canonical names.
	Providers map[string]string `mapstructure:"providers"`
	// MetricsFile is the node_exporter textfile written after a run.
	MetricsFile string `mapstructure:"metrics_file"`
	// FallbackEncoding decodes text that is neither BOM-marked nor valid UTF-8.
	FallbackEncoding string `mapstructure:"fallback_encoding" validate:"required"`
}

// DirSettings names the working directories
type DirSettings struct {
	Inbox     string `mapstructure:"inbox" validate:"required"`
	Processed string `mapstructure:"processed" validate:"required"`
	Failed    string `mapstructure:"failed" validate:"required"`
	Review    string `mapstructure:"review" validate:"required"`
	// MoveFiles disables moving when false, leaving files in place.
	MoveFiles bool `mapstructure:"move_files"`
}

// DatabaseSettings selects and tunes the report store
type DatabaseSettings struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres mysql sqlite memory"`
	DSN             string        `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=silent error warn info"`
}

// LogSettings configures the process logger
type LogSettings struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr file"`
	File       string `mapstructure:"file" validate:"required_if=Output file"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// InferenceSettings tunes the column inference engine
type InferenceSettings struct {
	Detectors           []string `mapstructure:"detectors" validate:"required,dive,oneof=identifier fee period provider"`
	SampleSize          int      `mapstructure:"sample_size" validate:"gt=0"`
	Seed                int64    `mapstructure:"seed"`
	IssueThreshold      int      `mapstructure:"issue_threshold" validate:"gte=0"`
	IdentifierThreshold float64  `mapstructure:"identifier_threshold" validate:"gt=0,lte=1"`
	FeeThreshold        float64  `mapstructure:"fee_threshold" validate:"gt=0,lte=1"`
	KnownFees           []string `mapstructure:"known_fees" validate:"required,dive,numeric"`
	MaxFeeDigits        int      `mapstructure:"max_fee_digits" validate:"gt=0"`
	MaxFeeOutliers      int      `mapstructure:"max_fee_outliers" validate:"gte=0"`
	ProviderMajority    float64  `mapstructure:"provider_majority" validate:"gt=0,lte=1"`
	PeriodThreshold     float64  `mapstructure:"period_threshold" validate:"gt=0,lte=1"`
	CutoffDay           int      `mapstructure:"cutoff_day" validate:"gte=1,lte=28"`
	WindowMonths        int      `mapstructure:"window_months" validate:"gt=0"`
	NumericHeaderRatio  float64  `mapstructure:"numeric_header_ratio" validate:"gt=0,lte=1"`
	MinHeaderTextLength float64  `mapstructure:"min_header_text_length" validate:"gte=0"`
	MaxSparseRows       int      `mapstructure:"max_sparse_rows" validate:"gte=0"`
}

// RuleSettings tunes row validation
type RuleSettings struct {
	FeeCeiling      string   `mapstructure:"fee_ceiling" validate:"required,numeric"`
	RejectProviders []string `mapstructure:"reject_providers"`
}

// ReviewSettings tunes the review workbooks
type ReviewSettings struct {
	Sheet          string `mapstructure:"sheet" validate:"required"`
	HighlightColor string `mapstructure:"highlight_color" validate:"hexcolor"`
}

// SetDefaults registers every default with v so that environment variables
// are picked up for all keys.
func SetDefaults(v *viper.Viper) {
	inf := inference.DefaultConfig()
	db := store.DefaultConfig()
	rules := validation.DefaultRules()
	rv := review.DefaultConfig()
	lg := logger.DefaultConfig()
	read := pipeline.DefaultConfig().Read

	v.SetDefault("dirs.inbox", "inbox")
	v.SetDefault("dirs.processed", "processed")
	v.SetDefault("dirs.failed", "failed")
	v.SetDefault("dirs.review", rv.Dir)
	v.SetDefault("dirs.move_files", true)

	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.dsn", db.DSN)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.batch_size", db.BatchSize)
	v.SetDefault("database.auto_migrate", db.AutoMigrate)
	v.SetDefault("database.log_level", db.LogLevel)

	v.SetDefault("log.level", string(lg.Level))
	v.SetDefault("log.format", string(lg.Format))
	v.SetDefault("log.output", string(lg.Output))
	v.SetDefault("log.file", "logs/ingestor.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	detectors := make([]string, len(inf.Detectors))
	for i, d := range inf.Detectors {
		detectors[i] = string(d)
	}
	fees := make([]string, len(inf.Fee.KnownFees))
	for i, f := range inf.Fee.KnownFees {
		fees[i] = f.String()
	}
	v.SetDefault("inference.detectors", detectors)
	v.SetDefault("inference.sample_size", inf.SampleSize)
	v.SetDefault("inference.seed", inf.Seed)
	v.SetDefault("inference.issue_threshold", inf.IssueThreshold)
	v.SetDefault("inference.identifier_threshold", inf.Identifier.Threshold)
	v.SetDefault("inference.fee_threshold", inf.Fee.Threshold)
	v.SetDefault("inference.known_fees", fees)
	v.SetDefault("inference.max_fee_digits", inf.Fee.MaxDigits)
	v.SetDefault("inference.max_fee_outliers", inf.Fee.MaxOutliers)
	v.SetDefault("inference.provider_majority", inf.Provider.MajorityThreshold)
	v.SetDefault("inference.period_threshold", inf.Period.Threshold)
	v.SetDefault("inference.cutoff_day", inf.Period.CutoffDay)
	v.SetDefault("inference.window_months", inf.Period.WindowMonths)
	v.SetDefault("inference.numeric_header_ratio", inf.Isolation.NumericHeaderRatio)
	v.SetDefault("inference.min_header_text_length", inf.Isolation.MinHeaderTextLength)
	v.SetDefault("inference.max_sparse_rows", inf.Isolation.MaxSparseRows)

	v.SetDefault("rules.fee_ceiling", rules.FeeCeiling.String())
	v.SetDefault("rules.reject_providers", rules.RejectProviders)

	v.SetDefault("review.sheet", rv.Sheet)
	v.SetDefault("review.highlight_color", rv.HighlightColor)

	v.SetDefault("providers", map[string]string{})
	v.SetDefault("metrics_file", "")
	v.SetDefault("fallback_encoding", read.FallbackEncoding)
}

// Configure wires the environment into v
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load unmarshals and validates the settings held by v
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "settings", v.ConfigFileUsed(), err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the field constraints and the cross-field rules of the
// component configurations.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return errors.ConfigurationError(errors.CodeInvalidConfig, settingName(fe.Namespace()), fe.Value(),
				fmt.Errorf("failed %q constraint", fe.Tag()))
		}
		return errors.ConfigurationError(errors.CodeInvalidConfig, "settings", nil, err)
	}

	pcfg, err := s.PipelineConfig()
	if err != nil {
		return err
	}
	if err := pcfg.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline", nil, err)
	}
	if err := s.StoreConfig().Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "database", s.Database.Driver, err)
	}
	if err := s.LoggerConfig().Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", s.Log.Output, err)
	}
	return nil
}

// settingName turns "Settings.Database.DSN" into "Database.DSN"
func settingName(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// InferenceConfig converts the settings to an inference configuration
func (s *Settings) InferenceConfig() (inference.Config, error) {
	cfg := inference.DefaultConfig()
	in := s.Inference

	cfg.Detectors = make([]inference.DetectorKind, len(in.Detectors))
	for i, d := range in.Detectors {
		cfg.Detectors[i] = inference.DetectorKind(strings.ToLower(strings.TrimSpace(d)))
	}
	cfg.SampleSize = in.SampleSize
	cfg.Seed = in.Seed
	cfg.IssueThreshold = in.IssueThreshold
	cfg.Identifier.Threshold = in.IdentifierThreshold
	cfg.Fee.Threshold = in.FeeThreshold
	cfg.Fee.MaxDigits = in.MaxFeeDigits
	cfg.Fee.MaxOutliers = in.MaxFeeOutliers
	cfg.Provider.MajorityThreshold = in.ProviderMajority
	cfg.Period.Threshold = in.PeriodThreshold
	cfg.Period.CutoffDay = in.CutoffDay
	cfg.Period.WindowMonths = in.WindowMonths
	cfg.Isolation.NumericHeaderRatio = in.NumericHeaderRatio
	cfg.Isolation.MinHeaderTextLength = in.MinHeaderTextLength
	cfg.Isolation.MaxSparseRows = in.MaxSparseRows

	cfg.Fee.KnownFees = make([]decimal.Decimal, 0, len(in.KnownFees))
	for _, f := range in.KnownFees {
		d, err := decimal.NewFromString(strings.TrimSpace(f))
		if err != nil {
			return cfg, errors.ConfigurationError(errors.CodeInvalidConfig, "inference.known_fees", f, err)
		}
		cfg.Fee.KnownFees = append(cfg.Fee.KnownFees, d)
	}

	cfg.Provider.Registry = make(map[string]string, len(s.Providers))
	for raw, canonical := range s.Providers {
		cfg.Provider.Registry[raw] = canonical
	}
	return cfg, nil
}

// ValidationRules converts the settings to row validation rules
func (s *Settings) ValidationRules() (validation.Rules, error) {
	rules := validation.DefaultRules()
	ceiling, err := decimal.NewFromString(strings.TrimSpace(s.Rules.FeeCeiling))
	if err != nil {
		return rules, errors.ConfigurationError(errors.CodeInvalidConfig, "rules.fee_ceiling", s.Rules.FeeCeiling, err)
	}
	rules.FeeCeiling = ceiling
	rules.RejectProviders = append([]string(nil), s.Rules.RejectProviders...)
	return rules, nil
}

// PipelineConfig converts the settings to a pipeline configuration
func (s *Settings) PipelineConfig() (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	inf, err := s.InferenceConfig()
	if err != nil {
		return cfg, err
	}
	rules, err := s.ValidationRules()
	if err != nil {
		return cfg, err
	}
	cfg.Inference = inf
	cfg.Rules = rules
	cfg.Rules.Providers = inf.Provider
	cfg.Rules.PeriodLayouts = inf.Period.Layouts
	cfg.Read.FallbackEncoding = s.FallbackEncoding
	cfg.MoveFiles = s.Dirs.MoveFiles
	return cfg, nil
}

// StoreConfig converts the settings to a store configuration
func (s *Settings) StoreConfig() *store.Config {
	d := s.Database
	return &store.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		BatchSize:       d.BatchSize,
		AutoMigrate:     d.AutoMigrate,
		LogLevel:        d.LogLevel,
	}
}

// ReviewConfig converts the settings to a review writer configuration
func (s *Settings) ReviewConfig() review.Config {
	return review.Config{
		Dir:            s.Dirs.Review,
		Sheet:          s.Review.Sheet,
		HighlightColor: s.Review.HighlightColor,
	}
}

// LoggerConfig converts the settings to a logger configuration
func (s *Settings) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.Level(s.Log.Level),
		Format:     logger.Format(s.Log.Format),
		Output:     logger.Output(s.Log.Output),
		File:       s.Log.File,
		MaxSize:    s.Log.MaxSize,
		MaxBackups: s.Log.MaxBackups,
		MaxAge:     s.Log.MaxAge,
		Compress:   s.Log.Compress,
	}
}
