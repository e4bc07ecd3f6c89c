package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the service logger. Development gets a console writer and debug
// level; everything else emits JSON at info.
func New(dev bool, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, dev, service)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, dev bool, service string) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}
