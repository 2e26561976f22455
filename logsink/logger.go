// Package logsink is the structured log sink (component E): a small
// process-wide logger plus the append-only per-iteration log files and
// in-memory event bus the execution engine publishes to.
package logsink

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("RALPH_DEBUG") == "true" || os.Getenv("RALPH_DEBUG") == "1"

var logFile *os.File

// Init opens (or creates) the process log file at path and points the
// package-level loggers at it. Call Close when the process exits. If the
// file can't be opened, logging falls back to stderr rather than failing
// startup.
func Init(path string) error {
	if path == "" {
		path = filepath.Join(os.TempDir(), "ralph-tui.log")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: using stderr for logging: %v\n", err)
		wireLoggers(os.Stderr)
		return nil
	}

	logFile = f
	wireLoggers(f)
	return nil
}

func wireLoggers(w io.Writer) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(w, "INFO: ", flags)
	WarningLog = log.New(w, "WARNING: ", flags)
	ErrorLog = log.New(w, "ERROR: ", flags)
	if debugEnabled {
		DebugLog = log.New(w, "DEBUG: ", flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

// Close flushes and closes the log file opened by Init, if any.
func Close() error {
	if logFile == nil {
		return nil
	}
	return logFile.Close()
}

// IsDebugEnabled reports whether RALPH_DEBUG is set.
func IsDebugEnabled() bool { return debugEnabled }

func init() {
	// Ensure the package is usable before Init is called (e.g. in tests).
	wireLoggers(os.Stderr)
}
