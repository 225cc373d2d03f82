package logging

import (
	"io"
	"log/slog"
	"os"
)

// DualLogger logs to stdout and, when a path is configured, to a file.
type DualLogger struct {
	Logger *slog.Logger
	file   *os.File
}

// New creates the process logger. An empty logPath logs to stdout only.
func New(logPath string) (*DualLogger, error) {
	writers := []io.Writer{os.Stdout}

	var file *os.File
	if logPath != "" {
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: slog.LevelInfo})

	return &DualLogger{Logger: slog.New(handler), file: file}, nil
}

// Close releases the log file, if any. Called at the end of graceful shutdown.
func (d *DualLogger) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
