package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/itemdeck/itemdeck/internal/plugin/security"
)

func validManifestJSON() string {
	return `{
		"id": "deck-stats",
		"version": "1.2.0",
		"type": "mechanic",
		"displayName": "Deck Statistics",
		"permissions": ["cards:read", "storage:read", "storage:write"],
		"engines": {"itemdeck": ">=2.0.0"},
		"main": "init.lua",
		"mechanic": {"name": "Statistics", "categories": ["analysis"]}
	}`
}

func TestValidateManifestAccepted(t *testing.T) {
	m, err := ValidateManifest([]byte(validManifestJSON()))
	if err != nil {
		t.Fatalf("ValidateManifest() error: %v", err)
	}

	if m.ID != "deck-stats" {
		t.Errorf("m.ID = %q, want %q", m.ID, "deck-stats")
	}
	if m.Type != TypeMechanic {
		t.Errorf("m.Type = %q, want %q", m.Type, TypeMechanic)
	}
	if !m.HasPermission(security.ActionCardsRead) {
		t.Error("HasPermission(cards:read) = false, want true")
	}
	if m.HasPermission(security.ActionNetworkFetch) {
		t.Error("HasPermission(network:fetch) = true, want false")
	}
	if got := m.String(); got != "Deck Statistics v1.2.0" {
		t.Errorf("String() = %q, want %q", got, "Deck Statistics v1.2.0")
	}
}

func TestValidateManifestCollectsAllViolations(t *testing.T) {
	raw := `{
		"id": "Bad_ID",
		"version": "one point oh",
		"type": "widget",
		"permissions": ["cards:read", "cards:read", "time:travel"],
		"engines": {"itemdeck": "whenever"},
		"main": "init.js"
	}`

	_, err := ValidateManifest([]byte(raw))
	if err == nil {
		t.Fatal("ValidateManifest() error = nil, want ValidationErrors")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}

	// id, version, type, duplicate permission, unknown permission,
	// engine range, main extension: all reported at once.
	if len(verrs) < 7 {
		t.Errorf("len(ValidationErrors) = %d, want at least 7: %v", len(verrs), verrs)
	}

	fields := make(map[string]bool)
	for _, fe := range verrs {
		fields[fe.Field] = true
	}
	for _, f := range []string{"id", "version", "type", "permissions", "engines.itemdeck", "main"} {
		if !fields[f] {
			t.Errorf("no violation reported for field %q: %v", f, verrs)
		}
	}
}

func TestValidateManifestNotJSON(t *testing.T) {
	_, err := ValidateManifest([]byte("{nope"))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 1 || verrs[0].Field != "manifest" {
		t.Errorf("ValidationErrors = %v, want a single manifest-level error", verrs)
	}
}

func TestPermissionVocabularyPerType(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		perm    string
		extra   string
		allowed bool
	}{
		{"theme may notify", "theme", "ui:notify", "", true},
		{"theme may read settings", "theme", "settings:read", "", true},
		{"theme cannot write cards", "theme", "cards:write", "", false},
		{"theme cannot fetch", "theme", "network:fetch", "", false},
		{"settings may write settings", "settings", "settings:write", "", true},
		{"settings cannot read cards", "settings", "cards:read", "", false},
		{"source may fetch", "source", "network:fetch", "", true},
		{"source may use storage", "source", "storage:write", "", true},
		{"source cannot write cards", "source", "cards:write", "", false},
		{"mechanic may write cards", "mechanic", "cards:write", `"mechanic": {"name": "M"},`, true},
		{"mechanic may write settings", "mechanic", "settings:write", `"mechanic": {"name": "M"},`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{
				"id": "p",
				"version": "1.0.0",
				"type": "` + tt.typ + `",
				"permissions": ["` + tt.perm + `"],
				` + tt.extra + `
				"engines": {"itemdeck": ">=2.0.0"},
				"main": "init.lua"
			}`

			_, err := ValidateManifest([]byte(raw))
			if tt.allowed && err != nil {
				t.Errorf("ValidateManifest() error = %v, want nil", err)
			}
			if !tt.allowed && err == nil {
				t.Errorf("ValidateManifest() error = nil, want vocabulary violation for %s/%s", tt.typ, tt.perm)
			}
		})
	}
}

func TestMechanicContributionRules(t *testing.T) {
	missing := `{
		"id": "p", "version": "1.0.0", "type": "mechanic",
		"permissions": [], "engines": {"itemdeck": ">=2.0.0"}, "main": "init.lua"
	}`
	if _, err := ValidateManifest([]byte(missing)); err == nil {
		t.Error("mechanic without contribution block accepted, want error")
	}

	unnamed := `{
		"id": "p", "version": "1.0.0", "type": "mechanic",
		"permissions": [], "engines": {"itemdeck": ">=2.0.0"}, "main": "init.lua",
		"mechanic": {}
	}`
	if _, err := ValidateManifest([]byte(unnamed)); err == nil {
		t.Error("mechanic contribution without name accepted, want error")
	}

	forbidden := `{
		"id": "p", "version": "1.0.0", "type": "theme",
		"permissions": [], "engines": {"itemdeck": ">=2.0.0"}, "main": "init.lua",
		"mechanic": {"name": "M"}
	}`
	if _, err := ValidateManifest([]byte(forbidden)); err == nil {
		t.Error("theme with a mechanic block accepted, want error")
	}
}

func TestMainPathRules(t *testing.T) {
	tests := []struct {
		main    string
		allowed bool
	}{
		{"init.lua", true},
		{"src/init.lua", true},
		{"init.js", false},
		{"../outside.lua", false},
		{"/etc/init.lua", false},
	}

	for _, tt := range tests {
		raw := `{
			"id": "p", "version": "1.0.0", "type": "theme",
			"permissions": [], "engines": {"itemdeck": ">=2.0.0"},
			"main": "` + tt.main + `"
		}`
		_, err := ValidateManifest([]byte(raw))
		if tt.allowed && err != nil {
			t.Errorf("main %q rejected: %v", tt.main, err)
		}
		if !tt.allowed && err == nil {
			t.Errorf("main %q accepted, want error", tt.main)
		}
	}
}

func TestAPIVersionRangeRules(t *testing.T) {
	base := func(apiVersion string) string {
		return `{
			"id": "p", "version": "1.0.0", "type": "theme",
			"permissions": [], "engines": {"itemdeck": ">=2.0.0"}, "main": "init.lua",
			"apiVersion": ` + apiVersion + `
		}`
	}

	if _, err := ValidateManifest([]byte(base(`{"minimum": "1.0.0", "maximum": "2.0.0"}`))); err != nil {
		t.Errorf("valid apiVersion range rejected: %v", err)
	}
	if _, err := ValidateManifest([]byte(base(`{"maximum": "2.0.0"}`))); err == nil {
		t.Error("apiVersion without minimum accepted, want error")
	}
	if _, err := ValidateManifest([]byte(base(`{"minimum": "2.0.0", "maximum": "1.0.0"}`))); err == nil {
		t.Error("apiVersion maximum below minimum accepted, want error")
	}
}

func TestAPIVersionRequested(t *testing.T) {
	m := &Manifest{}
	if got := m.APIVersionRequested(); got != "2.0.0" {
		t.Errorf("APIVersionRequested() with no range = %q, want %q", got, "2.0.0")
	}

	m.APIVersion = &APIVersionRange{Minimum: "1.2.0"}
	if got := m.APIVersionRequested(); got != "1.2.0" {
		t.Errorf("APIVersionRequested() = %q, want %q", got, "1.2.0")
	}
}

func TestEngineSatisfied(t *testing.T) {
	tests := []struct {
		expr string
		host string
		want bool
	}{
		{">=2.0.0", "2.1.0", true},
		{">=2.0.0", "2.0.0", true},
		{">=2.0.0", "1.9.9", false},
		{">=2.0.0", "3.0.0", true},
		{"^2.0.0", "2.5.1", true},
		{"^2.0.0", "3.0.0", false},
		{"^2.1.0", "2.0.0", false},
		{"1.4.0", "1.4.0", true},
		{"1.4.0", "1.4.1", false},
	}

	for _, tt := range tests {
		m := &Manifest{Engines: Engines{Itemdeck: tt.expr}}
		if got := m.EngineSatisfied(tt.host); got != tt.want {
			t.Errorf("EngineSatisfied(%q, host %q) = %v, want %v", tt.expr, tt.host, got, tt.want)
		}
	}
}

func TestIDPattern(t *testing.T) {
	tests := []struct {
		id      string
		allowed bool
	}{
		{"deck-stats", true},
		{"a", true},
		{"a1", true},
		{"deck--stats", true},
		{"Deck-Stats", false},
		{"-deck", false},
		{"deck-", false},
		{"deck stats", false},
	}

	for _, tt := range tests {
		raw := `{
			"id": "` + tt.id + `", "version": "1.0.0", "type": "theme",
			"permissions": [], "engines": {"itemdeck": ">=2.0.0"}, "main": "init.lua"
		}`
		_, err := ValidateManifest([]byte(raw))
		if tt.allowed && err != nil {
			t.Errorf("id %q rejected: %v", tt.id, err)
		}
		if !tt.allowed && err == nil {
			t.Errorf("id %q accepted, want error", tt.id)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(validManifestJSON()), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if m.Path() != dir {
		t.Errorf("Path() = %q, want %q", m.Path(), dir)
	}
	if want := filepath.Join(dir, "init.lua"); m.MainPath() != want {
		t.Errorf("MainPath() = %q, want %q", m.MainPath(), want)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("LoadManifest() error = %v, want ErrNoEntryPoint", err)
	}
}
