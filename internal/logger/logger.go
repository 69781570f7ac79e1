// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
)

// Options selects level, format and destination.
type Options struct {
	Level  string
	Format string // "json" or "text"
	File   string // rotated with lumberjack when set; stdout otherwise
}

// Setup applies opts to the standard logger. The returned closer releases
// the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	return Configure(log.StandardLogger(), opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Configure applies opts to l.
func Configure(l *log.Logger, opts Options) (io.Closer, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "json":
		l.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		l.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("log format %q is not json or text", opts.Format)
	}

	if opts.File == "" {
		l.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    10, // megabytes
		MaxBackups: 7,
		MaxAge:     7, // days
		Compress:   true,
	}
	l.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}
