package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewFileWriter_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailroom.log")

	log := NewWithWriter("info", NewFileWriter(FileConfig{Path: path, MaxSizeMB: 1, MaxFiles: 1}))
	log.Info().Str("job_id", "abc").Msg("email delivered")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "email delivered") {
		t.Errorf("log file missing entry: %s", data)
	}
	if !strings.Contains(string(data), "abc") {
		t.Errorf("log file missing job id field: %s", data)
	}
}

func TestNewFileWriter_Defaults(t *testing.T) {
	w := NewFileWriter(FileConfig{Path: "/var/log/mailroom/mailroom.log"})

	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("writer type = %T, want *lumberjack.Logger", w)
	}
	if lj.MaxSize != defaultMaxSizeMB {
		t.Errorf("MaxSize = %d, want %d", lj.MaxSize, defaultMaxSizeMB)
	}
	if lj.MaxBackups != defaultMaxFiles {
		t.Errorf("MaxBackups = %d, want %d", lj.MaxBackups, defaultMaxFiles)
	}
	if !lj.Compress {
		t.Error("expected rotated files to be compressed")
	}
}
