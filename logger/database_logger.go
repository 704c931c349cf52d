package logger

// Adapted from https://github.com/onrik/gorm-logrus/blob/master/logger.go.
// Statements are logged through logrus with password and token literals masked.

import (
	"context"
	"errors"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

var (
	tokenLiteral    = regexp.MustCompile(`.?token\_.?.?=.?\'(.*)\'`)
	passwordLiteral = regexp.MustCompile(`.?password.?=.?\'(.*)\'`)
)

// DatabaseLogger implements gorm's logger.Interface on top of logrus.
type DatabaseLogger struct {
	entry                 log.FieldLogger
	level                 gormlogger.LogLevel
	SlowThreshold         time.Duration
	SourceField           string
	SkipErrRecordNotFound bool
	LogQuery              bool
}

type LoggerConfig struct {
	SlowThreshold         time.Duration
	SourceField           string
	SkipErrRecordNotFound bool
	LogQuery              bool
}

// NewDatabaseLogger returns a gorm logger writing to entry. A nil entry uses
// the logrus standard logger.
func NewDatabaseLogger(entry log.FieldLogger, initLogger LoggerConfig) *DatabaseLogger {
	if entry == nil {
		entry = log.StandardLogger()
	}
	return &DatabaseLogger{
		entry:                 entry,
		level:                 gormlogger.Info,
		SlowThreshold:         initLogger.SlowThreshold,
		SourceField:           initLogger.SourceField,
		SkipErrRecordNotFound: initLogger.SkipErrRecordNotFound,
		LogQuery:              initLogger.LogQuery,
	}
}

func (l *DatabaseLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copied := *l
	copied.level = level
	return &copied
}

func (l *DatabaseLogger) Info(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.withContext(ctx).Infof(s, args...)
	}
}

func (l *DatabaseLogger) Warn(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.withContext(ctx).Warnf(s, args...)
	}
}

func (l *DatabaseLogger) Error(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.withContext(ctx).Errorf(s, args...)
	}
}

func (l *DatabaseLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	sql = MaskSQL(sql)

	fields := log.Fields{"rows": rows}
	if l.SourceField != "" {
		fields[l.SourceField] = utils.FileWithLineNum()
	}
	entry := l.withContext(ctx).WithFields(fields)

	if err != nil && !(errors.Is(err, gorm.ErrRecordNotFound) && l.SkipErrRecordNotFound) {
		entry.WithError(err).Errorf("%s [%s]", sql, elapsed)
		return
	}

	if l.SlowThreshold != 0 && elapsed > l.SlowThreshold {
		entry.Warnf("%s [%s]", sql, elapsed)
		return
	}

	if l.LogQuery {
		entry.Infof("%s [%s]", sql, elapsed)
		return
	}

	entry.Debugf("%s [%s]", sql, elapsed)
}

func (l *DatabaseLogger) withContext(ctx context.Context) log.FieldLogger {
	if e, ok := l.entry.(interface {
		WithContext(context.Context) *log.Entry
	}); ok {
		return e.WithContext(ctx)
	}
	return l.entry
}

// MaskSQL hides password and token literals in a statement.
func MaskSQL(sql string) string {
	sql = tokenLiteral.ReplaceAllString(sql, "t***")
	return passwordLiteral.ReplaceAllString(sql, "p***")
}
