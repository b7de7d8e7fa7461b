package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// DefaultDebounce coalesces the burst of filesystem events a single
// plugin update produces into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads plugins when their files change on disk and tears
// them down when their directory disappears. It watches the loader's
// provenance directories, so a moved plugin re-enters through
// classification like any fresh install.
type Watcher struct {
	loader   *Loader
	rt       *Runtime
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the event coalescing window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher creates a watcher over the loader's directories and
// starts its event loop.
func NewWatcher(loader *Loader, rt *Runtime, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		rt:       rt,
		fsw:      fsw,
		log:      slog.Default(),
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, dir := range loader.dirs {
		if err := fsw.Add(dir); err != nil {
			w.log.Warn("cannot watch plugin directory", "dir", dir, "err", err)
			continue
		}
		// Plugin content lives one level down; watch existing
		// subdirectories so edits inside them are seen.
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(dir, entry.Name()))
			}
		}
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// handleEvent maps a filesystem event to the plugin directory it
// belongs to and schedules a debounced reconcile.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	dir, prov, ok := w.pluginDirFor(event.Name)
	if !ok {
		return
	}

	// A new plugin directory needs its own watch for nested edits.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}

	w.schedule(dir, prov)
}

// pluginDirFor resolves an event path to the plugin directory directly
// under a provenance root.
func (w *Watcher) pluginDirFor(path string) (string, trust.Provenance, bool) {
	for prov, base := range w.loader.dirs {
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		return filepath.Join(base, parts[0]), prov, true
	}
	return "", 0, false
}

// schedule arms (or re-arms) the debounce timer for one plugin dir.
func (w *Watcher) schedule(dir string, prov trust.Provenance) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[dir]; ok {
		t.Stop()
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.reconcile(dir, prov)
	})
}

// reconcile brings the runtime in line with the directory's state:
// gone means destroy, present means reload from scratch so the new
// manifest revalidates and the tier reclassifies.
func (w *Watcher) reconcile(dir string, prov trust.Provenance) {
	loadedID, loaded := w.loadedAt(dir)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if loaded {
			w.log.Info("plugin removed from disk", "plugin", loadedID)
			if err := w.rt.Destroy(loadedID); err != nil {
				w.log.Warn("destroy failed", "plugin", loadedID, "err", err)
			}
		}
		return
	}

	m, err := LoadManifest(dir)
	if err != nil {
		w.log.Warn("changed plugin rejected", "dir", dir, "err", err)
		if loaded {
			_ = w.rt.Destroy(loadedID)
		}
		return
	}

	if loaded {
		if err := w.rt.Destroy(loadedID); err != nil {
			w.log.Warn("destroy before reload failed", "plugin", loadedID, "err", err)
			return
		}
	}

	src := trust.Source{Provenance: prov, Location: dir}
	if _, err := w.rt.LoadPlugin(context.Background(), m, src); err != nil {
		w.log.Warn("reload failed", "plugin", m.ID, "err", err)
		return
	}
	w.log.Info("plugin reloaded", "plugin", m.ID)
}

// loadedAt finds the loaded plugin whose manifest came from dir.
func (w *Watcher) loadedAt(dir string) (string, bool) {
	for _, id := range w.rt.List() {
		p, ok := w.rt.Get(id)
		if ok && p.Manifest.Path() == dir {
			return id, true
		}
	}
	return "", false
}
