// Package logger provides the structured logging used across the ingestor.
//
// A Logger wraps a logrus entry so that fields attached with WithField,
// WithFields, WithError and WithComponent are carried on every line emitted
// by the derived logger. Components obtain a logger from the process-global
// instance and tag it with their own name:
//
//	log := logger.GetGlobalLogger().WithComponent("pipeline")
//	log.WithFields(logger.Fields{"job_id": id, "file": name}).Info("processing file")
//
// File output is rotated with lumberjack.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger
}

// Fields represents a map of key-value pairs for structured logging
type Fields map[string]interface{}

// Config holds configuration options for the logger
type Config struct {
	Level            Level  `json:"level" mapstructure:"level"`
	Format           Format `json:"format" mapstructure:"format"`
	Output           Output `json:"output" mapstructure:"output"`
	File             string `json:"file,omitempty" mapstructure:"file"`
	MaxSize          int    `json:"max_size,omitempty" mapstructure:"max_size"` // MB
	MaxBackups       int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAge           int    `json:"max_age,omitempty" mapstructure:"max_age"` // days
	Compress         bool   `json:"compress,omitempty" mapstructure:"compress"`
	DisableTimestamp bool   `json:"disable_timestamp,omitempty" mapstructure:"disable_timestamp"`
	CallerInfo       bool   `json:"caller_info,omitempty" mapstructure:"caller_info"`
}

// Level represents log levels
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format represents log output formats
type Format string

const (
	JSONFormat Format = "json"
	TextFormat Format = "text"
)

// Output represents log output destinations
type Output string

const (
	StdoutOutput Output = "stdout"
	StderrOutput Output = "stderr"
	FileOutput   Output = "file"
)

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger configuration: %w", err)
	}

	writer, err := getOutputWriter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to set log output: %w", err)
	}

	return NewWithWriter(config, writer)
}

// NewWithWriter builds a logger that writes to w regardless of config.Output.
func NewWithWriter(config *Config, w io.Writer) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	base := logrus.New()

	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	base.SetLevel(level)
	base.SetOutput(w)
	base.SetFormatter(getFormatter(config))
	base.SetReportCaller(config.CallerInfo)

	return &logrusLogger{entry: logrus.NewEntry(base)}, nil
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: StderrOutput,
	}
}

// DebugConfig returns a configuration suitable for debugging
func DebugConfig() *Config {
	return &Config{
		Level:      DebugLevel,
		Format:     TextFormat,
		Output:     StderrOutput,
		CallerInfo: true,
	}
}

// ProductionConfig returns a configuration suitable for unattended runs
func ProductionConfig() *Config {
	return &Config{
		Level:      InfoLevel,
		Format:     JSONFormat,
		Output:     FileOutput,
		File:       "logs/ingestor.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// Validate validates the logger configuration
func (c *Config) Validate() error {
	switch c.Level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case JSONFormat, TextFormat:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	switch c.Output {
	case StdoutOutput, StderrOutput, FileOutput:
	default:
		return fmt.Errorf("invalid log output: %s", c.Output)
	}

	if c.Output == FileOutput {
		if strings.TrimSpace(c.File) == "" {
			return fmt.Errorf("log file path is required for file output")
		}
		if c.MaxSize < 0 {
			return fmt.Errorf("max size cannot be negative")
		}
		if c.MaxBackups < 0 {
			return fmt.Errorf("max backups cannot be negative")
		}
		if c.MaxAge < 0 {
			return fmt.Errorf("max age cannot be negative")
		}
	}

	return nil
}

func getOutputWriter(config *Config) (io.Writer, error) {
	switch config.Output {
	case StdoutOutput:
		return os.Stdout, nil
	case FileOutput:
		if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}, nil
	default:
		return os.Stderr, nil
	}
}

func getFormatter(config *Config) logrus.Formatter {
	switch config.Format {
	case JSONFormat:
		return &logrus.JSONFormatter{
			DisableTimestamp: config.DisableTimestamp,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		}
	default:
		return &logrus.TextFormatter{
			DisableTimestamp: config.DisableTimestamp,
			TimestampFormat:  "2006-01-02 15:04:05",
			FullTimestamp:    !config.DisableTimestamp,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return "", fmt.Sprintf("%s:%d", filename, f.Line)
			},
		}
	}
}

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusLogger) Info(args ...interface{}) { l.entry.Info(args...) }

func (l *logrusLogger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusLogger) Warn(args ...interface{}) { l.entry.Warn(args...) }

func (l *logrusLogger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

func (l *logrusLogger) WithComponent(component string) Logger {
	return l.WithField("component", component)
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger
)

func init() {
	var err error
	globalLogger, err = NewLogger(DefaultConfig())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() Logger {
	l, _ := NewWithWriter(DefaultConfig(), io.Discard)
	return l
}

func Info(args ...interface{}) { GetGlobalLogger().Info(args...) }

func Infof(format string, args ...interface{}) { GetGlobalLogger().Infof(format, args...) }

func Warnf(format string, args ...interface{}) { GetGlobalLogger().Warnf(format, args...) }

func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }

func WithFields(fields Fields) Logger { return GetGlobalLogger().WithFields(fields) }

func WithComponent(component string) Logger { return GetGlobalLogger().WithComponent(component) }
