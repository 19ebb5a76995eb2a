package bizadmin

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const tableReloadDebounce = 200 * time.Millisecond

// TableWatcher reloads a client's invalidation table whenever its YAML
// override file changes. A file that fails to parse leaves the current
// table in place.
type TableWatcher struct {
	c        *Client
	path     string
	base     Table
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewTableWatcher watches path. Overrides are applied on top of
// DefaultTable. The directory is watched rather than the file so that
// editors which save by rename keep being picked up.
func NewTableWatcher(c *Client, path string) (*TableWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &TableWatcher{
		c:        c,
		path:     path,
		base:     DefaultTable(),
		debounce: tableReloadDebounce,
		watcher:  w,
	}, nil
}

// Run processes file events until ctx ends, then closes the watcher.
func (tw *TableWatcher) Run(ctx context.Context) error {
	defer tw.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != tw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Coalesce the bursts of writes a single save produces.
			if timer == nil {
				timer = time.NewTimer(tw.debounce)
			} else {
				timer.Reset(tw.debounce)
			}
			fire = timer.C

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return nil
			}
			tw.c.logger.Warn("invalidation table watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			tw.reload()
		}
	}
}

func (tw *TableWatcher) reload() {
	table, err := LoadTableFile(tw.path, tw.base)
	if err != nil {
		tw.c.logger.Warn("invalidation table reload failed",
			zap.String("path", tw.path), zap.Error(err))
		tw.c.events.emit(EventTableReloaded, TableReloadEvent{Path: tw.path, Err: err})
		return
	}
	tw.c.SetInvalidationTable(table)
	tw.c.logger.Info("invalidation table reloaded",
		zap.String("path", tw.path), zap.Int("kinds", len(table)))
	tw.c.events.emit(EventTableReloaded, TableReloadEvent{Path: tw.path})
}
