// Package logging wraps logrus with the conventions used across solpump-scout:
// structured fields, a text/JSON formatter switch, and stdout/file output.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	FilePrefix string `mapstructure:"file_prefix" yaml:"file_prefix"`
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "solpump-scout"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("create logs directory: %v", err)
			break
		}
		path := filepath.Join(logDir, cfg.FilePrefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault builds a Logger with sane defaults, tagged with a component name.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// WithField returns a log entry carrying one structured field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying several structured fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
