package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits for a burst of writes
// to settle before reporting it.
const DefaultReloadDebounce = 150 * time.Millisecond

// ReloadEvent is one settled change to config.yaml. Op is the union of the
// operations seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. The home directory is watched rather
// than the file itself so editors that save via rename keep being observed.
type Watcher struct {
	// Debounce may be changed before Start.
	Debounce time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: DefaultReloadDebounce,
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
	}
}

// Events is closed once the context passed to Start ends.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	if w.Debounce <= 0 {
		w.Debounce = DefaultReloadDebounce
	}
	go w.loop(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	settle := time.NewTimer(w.Debounce)
	settle.Stop()
	defer settle.Stop()
	var pending *ReloadEvent

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: ev.Name}
			}
			pending.Op |= ev.Op
			settle.Reset(w.Debounce)
		case <-settle.C:
			if pending == nil {
				continue
			}
			select {
			case w.events <- *pending:
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			default:
				w.logger.Warn("config change dropped, reload already queued", "path", pending.Path)
			}
			pending = nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
