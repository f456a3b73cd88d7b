package log

import (
	"os"
	"strings"
	"testing"
)

func TestLoggerWritesLeveledLines(t *testing.T) {
	logger, err := NewLogger(false, true)
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer os.Remove(logger.Path())

	logger.Info("mounted %s", "/mnt/chroot")
	logger.Warn("something odd")
	logger.Debug("detail %d", 42)
	logger.Close()

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "INFO: mounted /mnt/chroot") {
		t.Errorf("info line missing from log:\n%s", content)
	}
	if !strings.Contains(content, "WARNING: something odd") {
		t.Errorf("warning line missing from log:\n%s", content)
	}
	// Debug lines always reach the file, debug mode only controls stderr.
	if !strings.Contains(content, "DEBUG: detail 42") {
		t.Errorf("debug line missing from log:\n%s", content)
	}
}

func TestLoggerWriteAfterCloseIsSafe(t *testing.T) {
	logger, err := NewLogger(false, true)
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer os.Remove(logger.Path())

	logger.Close()
	logger.Info("after close") // must not panic
}

func TestSessionLogPathIncludesPID(t *testing.T) {
	path := SessionLogPath(4242)
	if !strings.Contains(path, "chroot-tool.4242.log") {
		t.Errorf("SessionLogPath() = %q", path)
	}
}
