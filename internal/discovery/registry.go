package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AltairaLabs/ide-bridge/internal/types"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Registry publishes and withdraws this process's session record and reads
// records left by other instances.
type Registry struct {
	dir    string
	logger *slog.Logger

	alive     func(pid int) bool
	startTime func(pid int) (time.Time, bool)

	mu        sync.Mutex
	published string
	current   Record
}

// NewRegistry creates a registry rooted at dir
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:       dir,
		logger:    logger,
		alive:     processAlive,
		startTime: processStartTime,
	}
}

// Dir returns the discovery directory
func (r *Registry) Dir() string {
	return r.dir
}

// Publish atomically writes rec, replacing any record this registry published
// before. Stale sibling records are removed first.
func (r *Registry) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return types.DiscoveryError("publish", err)
	}
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	if rec.Transport == "" {
		rec.Transport = TransportWebSocket
	}
	if err := rec.Validate(); err != nil {
		return types.DiscoveryError("publish", err)
	}
	if err := os.MkdirAll(r.dir, dirMode); err != nil {
		return types.DiscoveryError("publish", fmt.Errorf("failed to create %s: %w", r.dir, err))
	}

	if _, err := r.Prune(); err != nil {
		r.logger.Warn("failed to prune stale session records", "dir", r.dir, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir, rec.FileName())
	if err := writeAtomic(path, rec); err != nil {
		return types.DiscoveryError("publish", err)
	}
	if r.published != "" && r.published != path {
		if err := os.Remove(r.published); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("failed to remove superseded session record", "path", r.published, "error", err)
		}
	}
	r.published = path
	r.current = rec

	r.logger.Info("session record published",
		"path", path,
		"port", rec.Port,
		"pid", rec.PID,
		"token_expires_at", rec.TokenExpiresAt,
	)
	return nil
}

// Withdraw removes the record this registry published. A missing file is not an error.
func (r *Registry) Withdraw() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.published == "" {
		return nil
	}
	path := r.published
	r.published = ""
	r.current = Record{}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return types.DiscoveryError("withdraw", err)
	}
	r.logger.Info("session record withdrawn", "path", path)
	return nil
}

// Current returns the record this registry last published
func (r *Registry) Current() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.published != ""
}

// IsStale reports whether rec is invalid, owned by a dead process, or older
// than its owning process (the pid was reused).
func (r *Registry) IsStale(rec Record) bool {
	if rec.Validate() != nil {
		return true
	}
	if !r.alive(rec.PID) {
		return true
	}
	if start, ok := r.startTime(rec.PID); ok && rec.CreatedAt.Before(start) {
		return true
	}
	return false
}

// Discover returns the freshest non-stale record in the directory
func (r *Registry) Discover() (Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrNoRecord
		}
		return Record{}, types.DiscoveryError("discover", err)
	}

	var (
		best  Record
		found bool
	)
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		rec, err := Read(filepath.Join(r.dir, e.Name()))
		if err != nil {
			r.logger.Debug("ignoring unreadable session record", "file", e.Name(), "error", err)
			continue
		}
		if r.IsStale(rec) {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrNoRecord
	}
	return best, nil
}

// Prune deletes stale records and returns how many were removed
func (r *Registry) Prune() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		rec, err := Read(path)
		if err != nil || !r.IsStale(rec) {
			// Unparsable files may belong to a writer that is not atomic.
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		r.logger.Info("removed stale session record", "path", path)
	}
	return removed, errors.Join(errs...)
}

// Discover returns the freshest non-stale record in dir
func Discover(dir string) (Record, error) {
	return NewRegistry(dir, nil).Discover()
}

// IsStale reports whether rec is stale using the live process table
func IsStale(rec Record) bool {
	return NewRegistry("", nil).IsStale(rec)
}

func writeAtomic(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename session record into place: %w", err)
	}
	return nil
}
