package plugin

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// writePluginDir lays one plugin under base/<name>.
func writePluginDir(t *testing.T, base, name, manifestJSON, luaSource string) string {
	t.Helper()

	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if manifestJSON != "" {
		if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifestJSON), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(luaSource), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func themeManifest(id string) string {
	return `{
		"id": "` + id + `",
		"version": "1.0.0",
		"type": "theme",
		"permissions": ["ui:notify"],
		"engines": {"itemdeck": ">=2.0.0"},
		"main": "init.lua"
	}`
}

func TestDiscoverSortedByID(t *testing.T) {
	user := t.TempDir()
	writePluginDir(t, user, "zeta-theme", themeManifest("zeta-theme"), readyScript)
	writePluginDir(t, user, "alpha-theme", themeManifest("alpha-theme"), readyScript)

	l := NewLoader(
		WithDir(trust.ProvenanceUser, user),
		WithLoaderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	found := l.Discover()
	if len(found) != 2 {
		t.Fatalf("len(Discover()) = %d, want 2", len(found))
	}
	if found[0].ID != "alpha-theme" || found[1].ID != "zeta-theme" {
		t.Errorf("Discover() order = [%s, %s], want sorted by id", found[0].ID, found[1].ID)
	}
	if found[0].Source.Provenance != trust.ProvenanceUser {
		t.Errorf("Source.Provenance = %v, want user", found[0].Source.Provenance)
	}
}

func TestDiscoverMostTrustedLocationWins(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	writePluginDir(t, bundled, "deck-theme", themeManifest("deck-theme"), readyScript)
	writePluginDir(t, user, "deck-theme", themeManifest("deck-theme"), readyScript)

	l := NewLoader(
		WithDir(trust.ProvenanceBundled, bundled),
		WithDir(trust.ProvenanceUser, user),
		WithLoaderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	found := l.Discover()
	if len(found) != 1 {
		t.Fatalf("len(Discover()) = %d, want 1", len(found))
	}
	if found[0].Source.Provenance != trust.ProvenanceBundled {
		t.Errorf("duplicate id resolved to %v, want the bundled copy", found[0].Source.Provenance)
	}
}

func TestDiscoverReportsInvalidManifests(t *testing.T) {
	user := t.TempDir()
	writePluginDir(t, user, "good-theme", themeManifest("good-theme"), readyScript)
	writePluginDir(t, user, "broken", `{"id": "broken"}`, readyScript)
	writePluginDir(t, user, "empty", "", readyScript)

	l := NewLoader(
		WithDir(trust.ProvenanceUser, user),
		WithLoaderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	found := l.Discover()
	if len(found) != 3 {
		t.Fatalf("len(Discover()) = %d, want 3", len(found))
	}

	byID := make(map[string]Discovered, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}

	if byID["good-theme"].Err != nil {
		t.Errorf("good-theme.Err = %v, want nil", byID["good-theme"].Err)
	}
	if byID["broken"].Err == nil {
		t.Error("broken.Err = nil, want validation error")
	}
	if byID["empty"].Err == nil {
		t.Error("empty.Err = nil, want ErrNoEntryPoint")
	}
}

func TestDiscoverSkipsMissingDirsAndFiles(t *testing.T) {
	user := t.TempDir()
	writePluginDir(t, user, "only-theme", themeManifest("only-theme"), readyScript)
	if err := os.WriteFile(filepath.Join(user, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(
		WithDir(trust.ProvenanceUser, user),
		WithDir(trust.ProvenanceBundled, filepath.Join(user, "does-not-exist")),
		WithLoaderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	found := l.Discover()
	if len(found) != 1 {
		t.Errorf("len(Discover()) = %d, want 1", len(found))
	}
}

func TestLoadAll(t *testing.T) {
	user := t.TempDir()
	writePluginDir(t, user, "good-theme", themeManifest("good-theme"), readyScript)
	writePluginDir(t, user, "broken", `{"id": "broken"}`, readyScript)
	writePluginDir(t, user, "crashes", themeManifest("crashes"), `boom(`)

	f := newRuntimeFixture(t, nil)
	l := NewLoader(
		WithDir(trust.ProvenanceUser, user),
		WithLoaderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	if loaded := l.LoadAll(f.rt); loaded != 1 {
		t.Errorf("LoadAll() = %d, want 1", loaded)
	}
	if _, ok := f.rt.Get("good-theme"); !ok {
		t.Error("good-theme not loaded")
	}
	if !f.sawEvent(EventError, "broken") {
		t.Error("no EventError for the invalid manifest")
	}
	if f.rt.Count() != 1 {
		t.Errorf("Count() = %d, want 1", f.rt.Count())
	}
}
