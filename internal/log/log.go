package log

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	rootLogger = logrus.NewEntry(logrus.StandardLogger())

	// L accesses the current logger from the context
	L = loggerFromContext

	initAtLeastOnce atomic.Bool
)

type ctxLogKey struct{}

type Config struct {
	// error, warn, info, debug, trace
	Level string
	// simple or json
	Format string
	// stdout, stderr or file
	Output string
	File   FileConfig
}

type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func InitConfig(conf Config) {
	initAtLeastOnce.Store(true)

	SetLevel(conf.Level)

	switch conf.Output {
	case "file":
		filename := conf.File.Filename
		if filename == "" {
			filename = "claimdrop.log"
		}
		rootLogger.Infof("Logs diverted to %s", filename)
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   filename,
			MaxSize:    positiveOr(conf.File.MaxSizeMB, 100),
			MaxBackups: positiveOr(conf.File.MaxBackups, 2),
			MaxAge:     positiveOr(conf.File.MaxAgeDays, 1),
			Compress:   conf.File.Compress,
		})
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		logrus.SetOutput(os.Stderr)
	}

	switch conf.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timeFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "@timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	default:
		logrus.SetFormatter(&prefixed.TextFormatter{
			TimestampFormat: timeFormat,
			FullTimestamp:   true,
			ForceFormatting: true,
		})
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// EnsureInit sets defaults for code paths (like unit tests) that never call InitConfig.
func EnsureInit() {
	if !initAtLeastOnce.Load() {
		InitConfig(Config{})
	}
}

// WithLogger adds the specified logger to the context
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	EnsureInit()
	return context.WithValue(ctx, ctxLogKey{}, logger)
}

// maxFieldLength fits a hex commitment or a transaction id untruncated.
const maxFieldLength = 96

// WithLogField adds the specified field to the logger in the context
func WithLogField(ctx context.Context, key, value string) context.Context {
	EnsureInit()
	if len(value) > maxFieldLength {
		value = value[0:maxFieldLength] + "..."
	}
	return WithLogger(ctx, loggerFromContext(ctx).WithField(key, value))
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	logger := ctx.Value(ctxLogKey{})
	if logger == nil {
		return rootLogger
	}
	return logger.(*logrus.Entry)
}

func SetLevel(level string) {
	var l logrus.Level
	switch strings.ToLower(level) {
	case "error":
		l = logrus.ErrorLevel
	case "warn", "warning":
		l = logrus.WarnLevel
	case "debug":
		l = logrus.DebugLevel
	case "trace":
		l = logrus.TraceLevel
	default:
		l = logrus.InfoLevel
	}
	logrus.SetLevel(l)
}
