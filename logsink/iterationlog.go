package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ralph-tui/ralph/core"
)

// IterationLogDir is the fixed on-disk location of per-iteration logs,
// relative to the project root (spec §6's filesystem layout).
const IterationLogDir = ".ralph-tui/iterations"

// IterationLog is one append-only log file for a single iteration,
// named "{sessionID}-{iteration}-{taskID}.log" under IterationLogDir.
// Chunks are appended as they stream in; Finalize appends the terminal
// IterationResult as a JSON line and closes the file. Nothing written to
// an IterationLog is ever rewritten once Finalize has run.
type IterationLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenIteration creates (or appends to, if resuming) the log file for one
// iteration of one task within sessionID.
func OpenIteration(projectDir, sessionID string, iteration int, taskID core.TaskID) (*IterationLog, error) {
	dir := filepath.Join(projectDir, IterationLogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.PersistenceError{Op: "mkdir iterations dir", Err: err}
	}

	name := fmt.Sprintf("%s-%d-%s.log", sessionID, iteration, sanitizeFileComponent(string(taskID)))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &core.PersistenceError{Op: "open iteration log", Err: err}
	}

	return &IterationLog{file: f, path: path}, nil
}

// WriteChunk appends one streamed output chunk, tagged by stream
// ("stdout" or "stderr"). Write failures are intentionally swallowed by
// the caller (engine) per spec §7's PersistenceError policy — callers
// should still check the returned error to decide whether to log a
// warning, but must never abort the iteration because of it.
func (l *IterationLog) WriteChunk(stream, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if text == "" {
		return nil
	}
	line := fmt.Sprintf("[%s] %s\n", stream, text)
	if _, err := l.file.WriteString(line); err != nil {
		return &core.PersistenceError{Op: "write iteration chunk", Err: err}
	}
	return nil
}

// Finalize appends result as a single JSON line, flushes, and closes the
// file. The file is never written to again afterwards.
func (l *IterationLog) Finalize(result core.IterationResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	encoded, err := json.Marshal(result)
	if err != nil {
		return &core.PersistenceError{Op: "marshal iteration result", Err: err}
	}
	if _, err := l.file.Write(append(encoded, '\n')); err != nil {
		return &core.PersistenceError{Op: "write iteration result", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &core.PersistenceError{Op: "sync iteration log", Err: err}
	}
	return l.file.Close()
}

// Path returns the absolute path of the underlying log file.
func (l *IterationLog) Path() string { return l.path }

func sanitizeFileComponent(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "task"
	}
	return string(out)
}
