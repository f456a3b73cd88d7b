// Package log implements the session log for chroot-tool.
//
// Every session writes a timestamped line per operation to a predictable
// file under the temp directory, named after the process id, so an
// operator can find the log of a wedged session without guessing.
// Warnings and errors are mirrored to stderr; debug lines reach stderr
// only when debug mode is enabled.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Compile-time interface check
var _ LibraryLogger = (*Logger)(nil)

// Logger writes the per-session log file.
type Logger struct {
	file   *os.File
	path   string
	debug  bool
	quiet  bool
	mu     sync.Mutex
	stderr *os.File
}

// SessionLogPath returns the log path for a given process id.
func SessionLogPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("chroot-tool.%d.log", pid))
}

// NewLogger creates the session logger for the current process.
// debug enables verbose output; quiet suppresses info lines on stderr
// (they still go to the file).
func NewLogger(debug, quiet bool) (*Logger, error) {
	path := SessionLogPath(os.Getpid())
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}

	l := &Logger{
		file:   f,
		path:   path,
		debug:  debug,
		quiet:  quiet,
		stderr: os.Stderr,
	}

	fmt.Fprintf(f, "chroot-tool session log - pid %d - %s\n\n",
		os.Getpid(), time.Now().Format(time.RFC3339))
	return l, nil
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) write(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	l.file.WriteString(fmt.Sprintf("[%s] %s: %s\n", timestamp, level, msg))
	l.file.Sync()
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.write("INFO", format, args...)
	if !l.quiet {
		fmt.Fprintf(l.stderr, format+"\n", args...)
	}
}

// Debug logs a diagnostic message. Mirrored to stderr only in debug mode.
func (l *Logger) Debug(format string, args ...any) {
	l.write("DEBUG", format, args...)
	if l.debug {
		fmt.Fprintf(l.stderr, "[debug] "+format+"\n", args...)
	}
}

// Warn logs a warning. Always mirrored to stderr.
func (l *Logger) Warn(format string, args ...any) {
	l.write("WARNING", format, args...)
	fmt.Fprintf(l.stderr, "warning: "+format+"\n", args...)
}

// Error logs an error. Always mirrored to stderr.
func (l *Logger) Error(format string, args ...any) {
	l.write("ERROR", format, args...)
	fmt.Fprintf(l.stderr, "error: "+format+"\n", args...)
}
