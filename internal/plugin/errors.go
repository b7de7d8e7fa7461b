package plugin

import "errors"

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyLoaded is returned when loading a plugin id that is
	// already active.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrConsentDenied is returned when the user declines a plugin's
	// requested permissions; the load is aborted.
	ErrConsentDenied = errors.New("user declined requested permissions")

	// ErrEngineIncompatible is returned when the host version falls
	// outside the manifest's engines.itemdeck range.
	ErrEngineIncompatible = errors.New("host version outside plugin's engine range")

	// ErrNoEntryPoint is returned when a plugin directory has no
	// manifest.
	ErrNoEntryPoint = errors.New("plugin has no manifest (plugin.json)")
)
