package log

import "fmt"

// LibraryLogger is a minimal interface for library packages that need to
// report progress and diagnostics without depending on the session log
// file format or terminal output.
//
// This keeps the device/mount/crypt layers reusable in different contexts:
// - CLI sessions (file + stderr logging)
// - Tests (memory/silent logging)
type LibraryLogger interface {
	// Info logs informational messages (e.g., "Attaching image...")
	Info(format string, args ...any)

	// Debug logs diagnostic messages (no-op unless debug is enabled)
	Debug(format string, args ...any)

	// Warn logs warning messages (non-fatal issues)
	Warn(format string, args ...any)

	// Error logs error messages (failures, but execution continues)
	Error(format string, args ...any)
}

// NoOpLogger discards all log messages.
// Useful for tests, quiet mode internals, or when logging is not needed.
type NoOpLogger struct{}

func (NoOpLogger) Info(format string, args ...any)  {}
func (NoOpLogger) Debug(format string, args ...any) {}
func (NoOpLogger) Warn(format string, args ...any)  {}
func (NoOpLogger) Error(format string, args ...any) {}

// StdoutLogger prints all messages to stdout with severity prefix.
// Useful for CLI debugging and development.
type StdoutLogger struct{}

func (StdoutLogger) Info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

func (StdoutLogger) Debug(format string, args ...any) {
	fmt.Printf("[DEBUG] "+format+"\n", args...)
}

func (StdoutLogger) Warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

func (StdoutLogger) Error(format string, args ...any) {
	fmt.Printf("[ERROR] "+format+"\n", args...)
}
