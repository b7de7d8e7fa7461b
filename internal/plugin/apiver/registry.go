// Package apiver translates between the plugin-facing API surface a
// plugin was built against and the host's current internal operation
// set. The host surface is free to change shape between releases; only
// the adapters here track it, and a plugin keeps working unmodified as
// long as its declared major version has an adapter.
package apiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
)

// CurrentMajor is the API major version new plugins should target.
const CurrentMajor = 2

// UnsupportedVersionError is returned at plugin load time for an API
// version with no registered adapter.
type UnsupportedVersionError struct {
	Requested string
	Supported []int
}

// Error implements the error interface.
func (e *UnsupportedVersionError) Error() string {
	versions := make([]string, len(e.Supported))
	for i, v := range e.Supported {
		versions[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("unsupported API version %q: supported major versions are %s",
		e.Requested, strings.Join(versions, ", "))
}

// Entry declares one adapter in the registry table.
type Entry struct {
	// Major is the API major version the adapter serves.
	Major int

	// Deprecated marks versions that still work but warn on use.
	Deprecated bool

	// Dispatcher is the translation layer for this version.
	Dispatcher bridge.Dispatcher
}

// Registry resolves requested API versions to adapters. The table is
// injected at construction rather than held in package state so tests
// and independent runtimes can carry their own.
type Registry struct {
	log        *slog.Logger
	adapters   map[int]bridge.Dispatcher
	deprecated map[int]bool
	supported  []int
}

// NewRegistry creates a registry from the given entries.
func NewRegistry(log *slog.Logger, entries ...Entry) *Registry {
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		log:        log,
		adapters:   make(map[int]bridge.Dispatcher, len(entries)),
		deprecated: make(map[int]bool),
	}
	for _, e := range entries {
		r.adapters[e.Major] = e.Dispatcher
		if e.Deprecated {
			r.deprecated[e.Major] = true
		}
		r.supported = append(r.supported, e.Major)
	}
	sort.Ints(r.supported)

	return r
}

// DefaultRegistry builds the standard adapter table: v2 current, v1
// deprecated.
func DefaultRegistry(ops hostops.Ops, log *slog.Logger) *Registry {
	return NewRegistry(log,
		Entry{Major: 1, Deprecated: true, Dispatcher: &apiV1{ops: ops}},
		Entry{Major: 2, Dispatcher: &apiV2{ops: ops}},
	)
}

// Supported returns the registered major versions in ascending order.
func (r *Registry) Supported() []int {
	return append([]int(nil), r.supported...)
}

// ForVersion returns the adapter for the requested version's major.
// Deprecated majors are wrapped so each distinct translated call warns
// once. Unknown majors fail with the supported list.
func (r *Registry) ForVersion(requested string) (bridge.Dispatcher, error) {
	canonical := requested
	if !strings.HasPrefix(canonical, "v") {
		canonical = "v" + canonical
	}
	if !semver.IsValid(canonical) {
		return nil, &UnsupportedVersionError{Requested: requested, Supported: r.Supported()}
	}

	major, err := strconv.Atoi(strings.TrimPrefix(semver.Major(canonical), "v"))
	if err != nil {
		return nil, &UnsupportedVersionError{Requested: requested, Supported: r.Supported()}
	}

	adapter, ok := r.adapters[major]
	if !ok {
		return nil, &UnsupportedVersionError{Requested: requested, Supported: r.Supported()}
	}

	if r.deprecated[major] {
		return &deprecationDispatcher{
			inner:  adapter,
			major:  major,
			log:    r.log,
			warned: make(map[bridge.RequestKind]bool),
		}, nil
	}
	return adapter, nil
}

// deprecationDispatcher wraps a deprecated adapter and logs one warning
// per distinct translated call, not per invocation.
type deprecationDispatcher struct {
	inner bridge.Dispatcher
	major int
	log   *slog.Logger

	mu     sync.Mutex
	warned map[bridge.RequestKind]bool
}

// Resource delegates to the wrapped adapter.
func (d *deprecationDispatcher) Resource(kind bridge.RequestKind, payload json.RawMessage) string {
	return d.inner.Resource(kind, payload)
}

// Dispatch delegates after emitting the one-time deprecation warning
// for this call.
func (d *deprecationDispatcher) Dispatch(ctx context.Context, pluginID string, kind bridge.RequestKind, payload json.RawMessage) (any, error) {
	d.mu.Lock()
	first := !d.warned[kind]
	if first {
		d.warned[kind] = true
	}
	d.mu.Unlock()

	if first {
		d.log.Warn("deprecated API version in use",
			"major", d.major, "call", kind.String(), "plugin", pluginID)
	}

	return d.inner.Dispatch(ctx, pluginID, kind, payload)
}
