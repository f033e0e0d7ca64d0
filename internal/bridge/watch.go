// internal/bridge/watch.go
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/logx"
)

// DefaultDebounce absorbs the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watch re-applies the device list whenever the config file changes,
// until ctx is done. Invalid configs are logged and ignored.
// Only devices are reloaded; other sections need a restart.
func (b *Bridge) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bridge: watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace the file by rename.
	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("bridge: watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			b.reload(path)
		})
	}

	b.log.Debug("config watcher started", logx.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.log.Warn("config watch error", logx.Err(err))
		}
	}
}

func (b *Bridge) reload(path string) {
	cfg, err := config.Load(path)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		b.log.Warn("config rejected", logx.String("path", path), logx.Err(err))
		return
	}
	config.Normalize(cfg)

	if err := b.Apply(cfg.Devices); err != nil {
		b.log.Warn("config apply failed", logx.String("path", path), logx.Err(err))
		return
	}
	b.log.Info("config reloaded", logx.String("path", path), logx.Int("devices", len(cfg.Devices)))
}
