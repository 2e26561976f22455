//go:build windows

package sessionstore

import "os"

// processAlive reports whether pid refers to a live process. Windows has
// no kill(pid, 0) equivalent via os/syscall alone, so this opens the
// process handle and treats any failure as "not alive" — consistent with
// treating an unreachable PID as stale.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
