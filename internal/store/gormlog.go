package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"billing-report-ingestor/pkg/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// gormLogger routes gorm's SQL logging through the application logger
type gormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

func newGormLogger(log logger.Logger, level string) gormlogger.Interface {
	return &gormLogger{log: log, level: parseGormLevel(level)}
}

func parseGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Infof(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warnf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Errorf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := logger.Fields{
		"elapsed": elapsed.String(),
		"rows":    rows,
		"sql":     sql,
	}

	switch {
	case err != nil && l.level >= gormlogger.Error && !stderrors.Is(err, gorm.ErrRecordNotFound):
		l.log.WithFields(fields).WithError(err).Error("Query failed")
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		l.log.WithFields(fields).Warn(fmt.Sprintf("Slow query (> %s)", slowQueryThreshold))
	case l.level >= gormlogger.Info:
		l.log.WithFields(fields).Debug("Query")
	}
}
