package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logging facade injected into every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

type Field struct {
	Key   string
	Value interface{}
}

type Fields map[string]interface{}

type logrusLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// New builds a Logger with the given level ("debug".."fatal") and format
// ("json" or "text"). Unknown levels fall back to info.
func New(level string, format string) Logger {
	log := logrus.New()

	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	log.SetLevel(parsedLevel)

	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		})
	}

	log.SetOutput(os.Stdout)

	return &logrusLogger{
		logger: log,
		entry:  log.WithFields(logrus.Fields{}),
	}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &logrusLogger{
		logger: log,
		entry:  log.WithFields(logrus.Fields{}),
	}
}

func (l *logrusLogger) Debug(msg string, fields ...Field) {
	l.withFields(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields ...Field) {
	l.withFields(fields).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields ...Field) {
	l.withFields(fields).Warning(msg)
}

func (l *logrusLogger) Error(msg string, fields ...Field) {
	l.withFields(fields).Error(msg)
}

func (l *logrusLogger) Fatal(msg string, fields ...Field) {
	l.withFields(fields).Fatal(msg)
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
	}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	logrusFields := logrus.Fields{}
	for k, v := range fields {
		logrusFields[k] = v
	}
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithFields(logrusFields),
	}
}

func (l *logrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}

	logrusFields := logrus.Fields{}
	for _, f := range fields {
		logrusFields[f.Key] = f.Value
	}
	return l.entry.WithFields(logrusFields)
}
