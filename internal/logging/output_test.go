package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOutputWithoutFileUsesStdout(t *testing.T) {
	out, closeFn := Output(Options{})
	if out != os.Stdout {
		t.Fatalf("expected stdout writer, got %T", out)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close returned error: %v", err)
	}
}

func TestJSONLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicator.log")
	logger, closeFn := NewJSONLogger(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})

	logger.Info("replication finished", "rows", 3)
	if err := closeFn(); err != nil {
		t.Fatalf("close returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"replication finished"`) || !strings.Contains(string(data), `"rows":3`) {
		t.Fatalf("unexpected log contents %q", data)
	}
}
