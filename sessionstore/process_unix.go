//go:build !windows

package sessionstore

import "syscall"

// processAlive reports whether pid refers to a live process on this host,
// using the kill(pid, 0) idiom: no signal is sent, only existence and
// permission are checked.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
