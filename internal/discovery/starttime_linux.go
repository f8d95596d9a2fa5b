//go:build linux

package discovery

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicks is USER_HZ, fixed at 100 on every mainstream Linux build
const clockTicks = 100

// processStartTime reads pid's start time from /proc. The result is rounded
// down to the boot-time second, so it never lands after the real start.
func processStartTime(pid int) (time.Time, bool) {
	boot, err := bootTime()
	if err != nil {
		return time.Time{}, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, false
	}
	// comm may contain spaces; fields resume after the last ')'.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 {
		return time.Time{}, false
	}
	fields := strings.Fields(string(data[idx+1:]))
	// starttime is field 22 overall, index 19 after pid and comm.
	if len(fields) < 20 {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	offset := time.Duration(ticks) * time.Second / clockTicks
	return boot.Add(offset), true
}

func bootTime() (time.Time, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
