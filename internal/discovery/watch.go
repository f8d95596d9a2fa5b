package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watch emits each valid, non-stale record written to the discovery directory
// until ctx is done. A slow consumer only sees the newest pending record.
func (r *Registry) Watch(ctx context.Context) (<-chan Record, error) {
	if err := os.MkdirAll(r.dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", r.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	out := make(chan Record, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if !isRecordFile(ev.Name) {
					continue
				}
				rec, err := Read(ev.Name)
				if err != nil || r.IsStale(rec) {
					continue
				}
				r.logger.Debug("fresh session record observed", "path", ev.Name, "port", rec.Port)
				offerLatest(out, rec)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("discovery watcher error", "dir", r.dir, "error", err)
			}
		}
	}()
	return out, nil
}

// offerLatest replaces any unread record in out with rec
func offerLatest(out chan Record, rec Record) {
	for {
		select {
		case out <- rec:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
