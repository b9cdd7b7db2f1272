// Package logger provides the printf-style Logger used across the pipeline,
// backed by zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the logging contract components receive by injection.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type zerologLogger struct {
	log zerolog.Logger
}

// New returns a JSON logger writing to stdout, tagged with the service name.
// Unknown levels fall back to info.
func New(service, level string) Logger {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, service, level string) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return &zerologLogger{log: l}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zerologLogger{log: zerolog.Nop()}
}

func (z *zerologLogger) Debugf(format string, args ...interface{}) {
	z.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (z *zerologLogger) Infof(format string, args ...interface{}) {
	z.log.Info().Msg(fmt.Sprintf(format, args...))
}

func (z *zerologLogger) Warnf(format string, args ...interface{}) {
	z.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (z *zerologLogger) Errorf(format string, args ...interface{}) {
	z.log.Error().Msg(fmt.Sprintf(format, args...))
}
