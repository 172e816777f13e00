package core

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the event bursts editors and config writers
// produce into a single reload.
const reloadDebounce = 500 * time.Millisecond

// initConfigWatcher starts hot-reload on the config file. Disabled in
// production mode, and skipped entirely on non-OS filesystems where no
// inotify handle exists.
func (g *Gateway) initConfigWatcher(confPath string, deps Dependencies) error {
	ge := g.Current()
	if ge.prod {
		return nil
	}
	if _, ok := deps.FS.(*afero.OsFs); !ok {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}

	// Watch the directory: editors replace the file on save, which drops
	// a watch placed on the file itself.
	dir := filepath.Dir(confPath)
	if err := w.Add(dir); err != nil {
		w.Close() //nolint:errcheck
		return WrapError(CodeErrorInInitialization, err)
	}

	go g.watchLoop(w, confPath, deps.Log)
	return nil
}

func (g *Gateway) watchLoop(w *fsnotify.Watcher, confPath string, log *zap.SugaredLogger) {
	defer w.Close() //nolint:errcheck

	target := filepath.Clean(confPath)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-g.done:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			if err := g.Reload(); err != nil {
				log.Warnw("config hot reload failed", "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "error", err)
		}
	}
}
