//go:build !linux

package discovery

import "time"

// processStartTime is unavailable off Linux; staleness falls back to liveness only.
func processStartTime(int) (time.Time, bool) {
	return time.Time{}, false
}
