// Package logging configures where the service and job loggers write.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the optional rotating log file.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Output returns stdout, teed into a rotating file when a file is configured. The returned
// close func releases the file handle.
func Output(opts Options) (io.Writer, func() error) {
	path := strings.TrimSpace(opts.File)
	if path == "" {
		return os.Stdout, func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator), rotator.Close
}

// SetupStd points the standard logger at the configured output.
func SetupStd(opts Options) func() error {
	out, closeFn := Output(opts)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.LUTC)
	return closeFn
}

// NewJSONLogger builds the slog JSON logger used by scheduled jobs.
func NewJSONLogger(opts Options) (*slog.Logger, func() error) {
	out, closeFn := Output(opts)
	return slog.New(slog.NewJSONHandler(out, nil)), closeFn
}
