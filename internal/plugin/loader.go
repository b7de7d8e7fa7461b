package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// Loader discovers plugins on disk. Each search directory carries a
// fixed provenance: which directory a plugin lives in is the
// root-of-trust input to tier classification, so the directories are
// configured once and never inferred from plugin content.
type Loader struct {
	dirs map[trust.Provenance]string
	log  *slog.Logger
}

// Discovered is one plugin found on disk. A plugin with an invalid
// manifest is still reported, with Err set, so the host can surface
// the failure to the user.
type Discovered struct {
	ID       string
	Dir      string
	Source   trust.Source
	Manifest *Manifest
	Err      error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithDir sets the search directory for one provenance.
func WithDir(p trust.Provenance, dir string) LoaderOption {
	return func(l *Loader) {
		if dir != "" {
			l.dirs[p] = dir
		}
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a loader with no search directories; callers add
// them per provenance.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		dirs: make(map[trust.Provenance]string),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// discoveryOrder fixes which provenance wins when the same plugin id
// appears in more than one directory: the most trusted location.
var discoveryOrder = []trust.Provenance{
	trust.ProvenanceBundled,
	trust.ProvenanceRegistry,
	trust.ProvenanceUser,
}

// Discover scans the configured directories and returns everything
// found, sorted by id. Missing directories are skipped, not errors.
func (l *Loader) Discover() []Discovered {
	byID := make(map[string]Discovered)

	for _, prov := range discoveryOrder {
		dir, ok := l.dirs[prov]
		if !ok {
			continue
		}
		for _, d := range l.discoverIn(dir, prov) {
			if _, exists := byID[d.ID]; !exists {
				byID[d.ID] = d
			}
		}
	}

	out := make([]Discovered, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// discoverIn scans one provenance directory.
func (l *Loader) discoverIn(base string, prov trust.Provenance) []Discovered {
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("cannot read plugin directory", "dir", base, "err", err)
		}
		return nil
	}

	var found []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(base, entry.Name())
		d := Discovered{
			ID:     entry.Name(),
			Dir:    dir,
			Source: trust.Source{Provenance: prov, Location: dir},
		}

		m, err := LoadManifest(dir)
		if err != nil {
			d.Err = err
			l.log.Warn("plugin rejected", "dir", dir, "err", err)
		} else {
			d.ID = m.ID
			d.Manifest = m
		}
		found = append(found, d)
	}
	return found
}

// LoadAll loads every valid discovered plugin into the runtime.
// Individual failures are reported as events and skipped; one bad
// plugin never blocks the rest.
func (l *Loader) LoadAll(rt *Runtime) int {
	loaded := 0
	for _, d := range l.Discover() {
		if d.Err != nil {
			rt.emit(Event{Type: EventError, PluginID: d.ID, Err: d.Err})
			continue
		}
		if _, err := rt.LoadPlugin(context.Background(), d.Manifest, d.Source); err != nil {
			l.log.Warn("load failed", "plugin", d.ID, "err", err)
			continue
		}
		loaded++
	}
	return loaded
}
