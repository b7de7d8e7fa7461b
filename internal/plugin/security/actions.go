// Package security provides the trust primitives for the plugin system:
// the action vocabulary, signed capabilities, and call-rate limiting.
package security

import "fmt"

// Action represents a class of host operation a plugin can be
// authorised to perform. Actions use a "noun:verb" form and are the
// values a manifest's permissions list may contain.
type Action string

// Actions plugins can request.
const (
	// ActionCardsRead allows reading cards from a collection.
	ActionCardsRead Action = "cards:read"

	// ActionCardsWrite allows adding or replacing cards in a collection.
	ActionCardsWrite Action = "cards:write"

	// ActionStorageRead allows reading the plugin's own key-value store.
	ActionStorageRead Action = "storage:read"

	// ActionStorageWrite allows writing the plugin's own key-value store.
	ActionStorageWrite Action = "storage:write"

	// ActionNetworkFetch allows fetching remote resources from
	// tier-approved domains.
	ActionNetworkFetch Action = "network:fetch"

	// ActionUINotify allows showing user-facing notifications.
	ActionUINotify Action = "ui:notify"

	// ActionSettingsRead allows reading host settings values.
	ActionSettingsRead Action = "settings:read"

	// ActionSettingsWrite allows writing host settings values.
	ActionSettingsWrite Action = "settings:write"
)

// ActionInfo provides metadata about an action.
type ActionInfo struct {
	// Name is the action identifier.
	Name Action

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the action allows.
	Description string

	// Risk indicates how dangerous this action is.
	Risk RiskLevel

	// RequiresConsent indicates the user must explicitly approve the
	// grant for plugins that are not bundled with the host.
	RequiresConsent bool
}

// RiskLevel indicates the security risk of an action.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// actionRegistry holds metadata about all known actions.
var actionRegistry = map[Action]ActionInfo{
	ActionCardsRead: {
		Name:            ActionCardsRead,
		DisplayName:     "Read Cards",
		Description:     "Read cards from collections",
		Risk:            RiskLow,
		RequiresConsent: false,
	},
	ActionCardsWrite: {
		Name:            ActionCardsWrite,
		DisplayName:     "Write Cards",
		Description:     "Add or replace cards in collections",
		Risk:            RiskHigh,
		RequiresConsent: true,
	},
	ActionStorageRead: {
		Name:            ActionStorageRead,
		DisplayName:     "Read Storage",
		Description:     "Read the plugin's own key-value storage",
		Risk:            RiskLow,
		RequiresConsent: false,
	},
	ActionStorageWrite: {
		Name:            ActionStorageWrite,
		DisplayName:     "Write Storage",
		Description:     "Write the plugin's own key-value storage",
		Risk:            RiskMedium,
		RequiresConsent: false,
	},
	ActionNetworkFetch: {
		Name:            ActionNetworkFetch,
		DisplayName:     "Network Access",
		Description:     "Fetch remote resources from approved domains",
		Risk:            RiskHigh,
		RequiresConsent: true,
	},
	ActionUINotify: {
		Name:            ActionUINotify,
		DisplayName:     "Notifications",
		Description:     "Show user-facing notifications",
		Risk:            RiskLow,
		RequiresConsent: false,
	},
	ActionSettingsRead: {
		Name:            ActionSettingsRead,
		DisplayName:     "Read Settings",
		Description:     "Read host settings values",
		Risk:            RiskLow,
		RequiresConsent: false,
	},
	ActionSettingsWrite: {
		Name:            ActionSettingsWrite,
		DisplayName:     "Write Settings",
		Description:     "Write host settings values",
		Risk:            RiskHigh,
		RequiresConsent: true,
	},
}

// GetActionInfo returns information about an action.
func GetActionInfo(a Action) (ActionInfo, bool) {
	info, ok := actionRegistry[a]
	return info, ok
}

// IsValidAction returns true if the action is known.
func IsValidAction(a Action) bool {
	_, ok := actionRegistry[a]
	return ok
}

// AllActions returns all known actions.
func AllActions() []Action {
	actions := make([]Action, 0, len(actionRegistry))
	for a := range actionRegistry {
		actions = append(actions, a)
	}
	return actions
}

// ConsentActions returns the subset of actions that require user
// approval before they can be granted to a non-bundled plugin.
func ConsentActions(actions []Action) []Action {
	var out []Action
	for _, a := range actions {
		if info, ok := actionRegistry[a]; ok && info.RequiresConsent {
			out = append(out, a)
		}
	}
	return out
}

// PermissionError is returned when a plugin lacks an authorising
// capability for an action.
type PermissionError struct {
	PluginID string
	Action   Action
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("plugin %q: permission denied: %s", e.PluginID, e.Action)
}
