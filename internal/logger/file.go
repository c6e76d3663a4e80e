package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures rotating file output for delivery logs.
type FileConfig struct {
	// Path is the log file to write to.
	Path string
	// MaxSizeMB is the size in megabytes at which the file rotates.
	MaxSizeMB int
	// MaxFiles is the number of rotated files to retain.
	MaxFiles int
}

const (
	defaultMaxSizeMB = 100
	defaultMaxFiles  = 5
)

// NewFileWriter returns an io.Writer backed by a size-rotated log file.
// Zero MaxSizeMB or MaxFiles fall back to the service defaults, so a config
// that only names the path still rotates. Rotated files are gzipped.
func NewFileWriter(cfg FileConfig) io.Writer {
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	files := cfg.MaxFiles
	if files <= 0 {
		files = defaultMaxFiles
	}

	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    size,
		MaxBackups: files,
		Compress:   true,
	}
}
