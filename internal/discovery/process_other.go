//go:build !unix

package discovery

import "os"

// processAlive reports whether pid names a running process. FindProcess
// opens a handle on Windows and fails for unknown pids.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
