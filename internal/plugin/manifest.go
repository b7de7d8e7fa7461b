package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/itemdeck/itemdeck/internal/plugin/security"
)

// Type is the plugin kind. It fixes which permissions the plugin may
// legally request.
type Type string

// Plugin types.
const (
	// TypeMechanic - gameplay mechanics acting on cards and storage.
	TypeMechanic Type = "mechanic"

	// TypeTheme - visual themes; may notify and read settings only.
	TypeTheme Type = "theme"

	// TypeSource - data-source adapters fetching external collections.
	TypeSource Type = "source"

	// TypeSettings - settings panels; theme vocabulary plus writes.
	TypeSettings Type = "settings"
)

// Manifest describes a plugin's identity, requirements, and requested
// permissions. Immutable once loaded; a manifest that fails validation
// is rejected wholesale, never partially accepted.
type Manifest struct {
	// Identity
	ID          string `json:"id"`
	Version     string `json:"version"`
	Type        Type   `json:"type"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty"`

	// Permissions the plugin requests. Granting is the host's call;
	// requesting outside the type's vocabulary is a validation error.
	Permissions []security.Action `json:"permissions"`

	// Engines declares the host version range the plugin supports.
	Engines Engines `json:"engines"`

	// Main is the relative path to the entry point script.
	Main string `json:"main"`

	// APIVersion is the plugin API range the plugin was built against.
	// Absent means the current version.
	APIVersion *APIVersionRange `json:"apiVersion,omitempty"`

	// Mechanic carries contribution metadata for mechanic plugins.
	Mechanic *MechanicContribution `json:"mechanic,omitempty"`

	// path is the plugin directory, set by LoadManifest.
	path string
}

// Engines declares host version requirements.
type Engines struct {
	Itemdeck string `json:"itemdeck"`
}

// APIVersionRange bounds the plugin API versions a plugin accepts.
type APIVersionRange struct {
	Minimum string `json:"minimum"`
	Maximum string `json:"maximum,omitempty"`
}

// MechanicContribution declares what a mechanic plugin adds.
type MechanicContribution struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// FieldError is one manifest validation violation.
type FieldError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is the full list of violations found in a manifest.
// Validation never stops at the first problem.
type ValidationErrors []FieldError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// validTypes is the closed plugin type enum.
var validTypes = map[Type]bool{
	TypeMechanic: true,
	TypeTheme:    true,
	TypeSource:   true,
	TypeSettings: true,
}

// permissionVocabulary fixes which permissions each plugin type may
// legally request. A theme cannot ask for cards:write no matter what
// tier it would load at.
var permissionVocabulary = map[Type]map[security.Action]bool{
	TypeTheme: {
		security.ActionUINotify:     true,
		security.ActionSettingsRead: true,
	},
	TypeSettings: {
		security.ActionUINotify:      true,
		security.ActionSettingsRead:  true,
		security.ActionSettingsWrite: true,
	},
	TypeSource: {
		security.ActionUINotify:     true,
		security.ActionSettingsRead: true,
		security.ActionNetworkFetch: true,
		security.ActionStorageRead:  true,
		security.ActionStorageWrite: true,
	},
	TypeMechanic: {
		security.ActionCardsRead:     true,
		security.ActionCardsWrite:    true,
		security.ActionStorageRead:   true,
		security.ActionStorageWrite:  true,
		security.ActionNetworkFetch:  true,
		security.ActionUINotify:      true,
		security.ActionSettingsRead:  true,
		security.ActionSettingsWrite: true,
	},
}

// ValidateManifest parses raw JSON into a validated manifest. It is a
// pure function: no filesystem access, no side effects. On failure the
// returned error is a ValidationErrors carrying every violation found.
func ValidateManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ValidationErrors{{Field: "manifest", Message: "not valid JSON: " + err.Error()}}
	}

	if errs := m.validate(); len(errs) > 0 {
		return nil, errs
	}
	return &m, nil
}

// LoadManifest reads and validates plugin.json from a plugin directory.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "plugin.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoEntryPoint
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := ValidateManifest(raw)
	if err != nil {
		return nil, err
	}
	m.path = dir
	return m, nil
}

// validate collects every violation in the manifest.
func (m *Manifest) validate() ValidationErrors {
	var errs ValidationErrors

	if m.ID == "" {
		errs = append(errs, FieldError{"id", "required"})
	} else if !idPattern.MatchString(m.ID) {
		errs = append(errs, FieldError{"id", fmt.Sprintf("%q must be lowercase alphanumeric with hyphens", m.ID)})
	}

	if m.Version == "" {
		errs = append(errs, FieldError{"version", "required"})
	} else if !semver.IsValid("v" + m.Version) {
		errs = append(errs, FieldError{"version", fmt.Sprintf("%q is not valid semver", m.Version)})
	}

	if m.Type == "" {
		errs = append(errs, FieldError{"type", "required"})
	} else if !validTypes[m.Type] {
		errs = append(errs, FieldError{"type", fmt.Sprintf("%q is not one of mechanic, theme, source, settings", m.Type)})
	}

	errs = append(errs, m.validatePermissions()...)

	if m.Engines.Itemdeck == "" {
		errs = append(errs, FieldError{"engines.itemdeck", "required"})
	} else if !validEngineRange(m.Engines.Itemdeck) {
		errs = append(errs, FieldError{"engines.itemdeck", fmt.Sprintf("%q is not a valid version range", m.Engines.Itemdeck)})
	}

	if m.Main == "" {
		errs = append(errs, FieldError{"main", "required"})
	} else {
		if filepath.Ext(m.Main) != ".lua" {
			errs = append(errs, FieldError{"main", fmt.Sprintf("%q must be a .lua file", m.Main)})
		}
		if filepath.IsAbs(m.Main) || strings.Contains(m.Main, "..") {
			errs = append(errs, FieldError{"main", "must be a relative path inside the plugin directory"})
		}
	}

	if m.APIVersion != nil {
		if m.APIVersion.Minimum == "" {
			errs = append(errs, FieldError{"apiVersion.minimum", "required when apiVersion is present"})
		} else if !semver.IsValid("v" + m.APIVersion.Minimum) {
			errs = append(errs, FieldError{"apiVersion.minimum", fmt.Sprintf("%q is not valid semver", m.APIVersion.Minimum)})
		}
		if m.APIVersion.Maximum != "" {
			if !semver.IsValid("v" + m.APIVersion.Maximum) {
				errs = append(errs, FieldError{"apiVersion.maximum", fmt.Sprintf("%q is not valid semver", m.APIVersion.Maximum)})
			} else if m.APIVersion.Minimum != "" && semver.IsValid("v"+m.APIVersion.Minimum) &&
				semver.Compare("v"+m.APIVersion.Maximum, "v"+m.APIVersion.Minimum) < 0 {
				errs = append(errs, FieldError{"apiVersion.maximum", "must not be lower than apiVersion.minimum"})
			}
		}
	}

	if m.Type == TypeMechanic {
		if m.Mechanic == nil {
			errs = append(errs, FieldError{"mechanic", "required for mechanic plugins"})
		} else if m.Mechanic.Name == "" {
			errs = append(errs, FieldError{"mechanic.name", "required"})
		}
	} else if m.Mechanic != nil {
		errs = append(errs, FieldError{"mechanic", fmt.Sprintf("not allowed for %s plugins", m.Type)})
	}

	return errs
}

// validatePermissions checks each requested permission is a known
// action and legal for the plugin's type.
func (m *Manifest) validatePermissions() ValidationErrors {
	var errs ValidationErrors

	vocab := permissionVocabulary[m.Type]
	seen := make(map[security.Action]bool, len(m.Permissions))

	for _, p := range m.Permissions {
		if seen[p] {
			errs = append(errs, FieldError{"permissions", fmt.Sprintf("%q requested twice", p)})
			continue
		}
		seen[p] = true

		if !security.IsValidAction(p) {
			errs = append(errs, FieldError{"permissions", fmt.Sprintf("%q is not a known permission", p)})
			continue
		}
		if vocab != nil && !vocab[p] {
			errs = append(errs, FieldError{"permissions", fmt.Sprintf("%q is not available to %s plugins", p, m.Type)})
		}
	}

	return errs
}

// Path returns the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the entry point script.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// HasPermission reports whether the manifest requests the action.
func (m *Manifest) HasPermission(a security.Action) bool {
	for _, p := range m.Permissions {
		if p == a {
			return true
		}
	}
	return false
}

// APIVersionRequested returns the API version the plugin should be
// served with: the declared minimum, or the current version when no
// range is declared.
func (m *Manifest) APIVersionRequested() string {
	if m.APIVersion != nil && m.APIVersion.Minimum != "" {
		return m.APIVersion.Minimum
	}
	return fmt.Sprintf("%d.0.0", currentAPIMajor)
}

// EngineSatisfied reports whether the host version falls inside the
// manifest's engines.itemdeck range.
func (m *Manifest) EngineSatisfied(hostVersion string) bool {
	return engineSatisfied(m.Engines.Itemdeck, hostVersion)
}

// String returns a short identity line.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.ID
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// validEngineRange accepts exact versions plus the ">=" and "^"
// prefixes.
func validEngineRange(expr string) bool {
	v := strings.TrimPrefix(strings.TrimPrefix(expr, ">="), "^")
	return semver.IsValid("v" + strings.TrimSpace(v))
}

// engineSatisfied evaluates a range expression against the host
// version. ">=X.Y.Z" means at least; "^X.Y.Z" means at least, same
// major; a bare version means exactly that version.
func engineSatisfied(expr, hostVersion string) bool {
	host := "v" + strings.TrimPrefix(hostVersion, "v")
	if !semver.IsValid(host) {
		return false
	}

	switch {
	case strings.HasPrefix(expr, ">="):
		want := "v" + strings.TrimSpace(strings.TrimPrefix(expr, ">="))
		return semver.Compare(host, want) >= 0
	case strings.HasPrefix(expr, "^"):
		want := "v" + strings.TrimSpace(strings.TrimPrefix(expr, "^"))
		return semver.Major(host) == semver.Major(want) && semver.Compare(host, want) >= 0
	default:
		return semver.Compare(host, "v"+strings.TrimSpace(expr)) == 0
	}
}
