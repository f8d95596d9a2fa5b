package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RecordVersion is the current session record format
const RecordVersion = 1

// TransportWebSocket is the only transport agents connect with
const TransportWebSocket = "ws"

const lockSuffix = ".lock"

// ErrNoRecord is returned when no valid session record exists
var ErrNoRecord = errors.New("no session record found")

// Record is the session record agents read to find and authenticate to the bridge
type Record struct {
	Port             int       `json:"port"`
	AuthToken        string    `json:"authToken"`
	PID              int       `json:"pid"`
	CreatedAt        time.Time `json:"createdAt"`
	TokenExpiresAt   time.Time `json:"tokenExpiresAt,omitzero"`
	IDEName          string    `json:"ideName"`
	WorkspaceFolders []string  `json:"workspaceFolders"`
	Transport        string    `json:"transport"`
	RunningInWindows bool      `json:"runningInWindows"`
	Version          int       `json:"version"`
}

// Validate checks the fields an agent needs to connect
func (r Record) Validate() error {
	var errs []error
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", r.Port))
	}
	if r.AuthToken == "" {
		errs = append(errs, errors.New("missing auth token"))
	}
	if r.PID <= 0 {
		errs = append(errs, fmt.Errorf("invalid pid %d", r.PID))
	}
	if r.CreatedAt.IsZero() {
		errs = append(errs, errors.New("missing creation time"))
	}
	if r.Transport != TransportWebSocket {
		errs = append(errs, fmt.Errorf("unsupported transport %q", r.Transport))
	}
	return errors.Join(errs...)
}

// TokenExpired reports whether the record's token is past its expiry.
// A zero expiry never expires.
func (r Record) TokenExpired(now time.Time) bool {
	return !r.TokenExpiresAt.IsZero() && !now.Before(r.TokenExpiresAt)
}

// FileName is the record's name inside the discovery directory
func (r Record) FileName() string {
	return strconv.Itoa(r.Port) + lockSuffix
}

// URL is the websocket endpoint described by the record
func (r Record) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", r.Port)
}

// Read parses the record stored at path
func Read(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rec, nil
}

func isRecordFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, lockSuffix) && !strings.HasPrefix(name, ".")
}
