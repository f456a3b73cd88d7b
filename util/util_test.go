package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KB"},
		{1 << 20, "1.0 MB"},
		{256060514304, "238.5 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileChecks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if !FileExists(file) || !FileExists(dir) {
		t.Error("FileExists() false for existing paths")
	}
	if FileExists(filepath.Join(dir, "nope")) {
		t.Error("FileExists() true for missing path")
	}

	if !DirExists(dir) {
		t.Error("DirExists() false for a directory")
	}
	if DirExists(file) {
		t.Error("DirExists() true for a regular file")
	}

	if !IsRegularFile(file) {
		t.Error("IsRegularFile() false for a regular file")
	}
	if IsRegularFile(dir) {
		t.Error("IsRegularFile() true for a directory")
	}
	if IsBlockDevice(file) {
		t.Error("IsBlockDevice() true for a regular file")
	}
}

func TestContains(t *testing.T) {
	s := []string{"@", "root"}
	if !Contains(s, "root") {
		t.Error("Contains() missed an element")
	}
	if Contains(s, "home") {
		t.Error("Contains() found a missing element")
	}
}
