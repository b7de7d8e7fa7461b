// Package plugin hosts third-party plugins: it discovers them on disk,
// validates their manifests, assigns trust tiers from provenance, and
// runs each one in an isolated sandbox behind a capability-checked
// message bridge.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itemdeck/itemdeck/internal/plugin/apiver"
	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
	"github.com/itemdeck/itemdeck/internal/plugin/sandbox"
	"github.com/itemdeck/itemdeck/internal/plugin/security"
	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// currentAPIMajor is the plugin API major served to plugins that
// declare no apiVersion range.
const currentAPIMajor = apiver.CurrentMajor

// ConsentFunc asks the user to approve a plugin's requested
// permissions before it loads. Returning false aborts the load.
type ConsentFunc func(m *Manifest, actions []security.Action) bool

// EventType classifies runtime events.
type EventType int

// Runtime events.
const (
	// EventLoaded - manifest accepted, sandbox created, entry point ran.
	EventLoaded EventType = iota

	// EventReady - the plugin completed the manifest exchange; its UI
	// may be shown.
	EventReady

	// EventDestroyed - the plugin was torn down.
	EventDestroyed

	// EventError - a load or teardown failure.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventReady:
		return "ready"
	case EventDestroyed:
		return "destroyed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a runtime lifecycle notification.
type Event struct {
	Type     EventType
	PluginID string
	Err      error
}

// EventHandler receives runtime events. Handlers run synchronously
// with panic recovery; a misbehaving subscriber cannot take the
// runtime down.
type EventHandler func(Event)

// LoadedPlugin is a running plugin: its manifest, assigned tier, and
// the bridge host code talks to it through.
type LoadedPlugin struct {
	Manifest *Manifest
	Tier     trust.Tier
	Bridge   *bridge.Bridge

	sandbox *sandbox.Sandbox
	cancel  context.CancelFunc
}

// RuntimeConfig wires a Runtime to its collaborators.
type RuntimeConfig struct {
	// Policy maps trust tiers to restrictions.
	Policy *trust.Policy

	// Permissions manages capabilities.
	Permissions *security.Manager

	// Limiter enforces per-plugin rate windows.
	Limiter *security.Limiter

	// Registry resolves plugin API versions to adapters.
	Registry *apiver.Registry

	// Ops is the host operation surface plugins ultimately reach.
	Ops *hostops.Service

	// Consent is asked before granting approval-required permissions.
	// Nil grants without asking, for headless and test use.
	Consent ConsentFunc

	// RequestTimeout bounds host-issued requests awaiting a plugin
	// response. Zero uses the bridge default.
	RequestTimeout time.Duration

	// HostVersion is checked against manifests' engines.itemdeck.
	HostVersion string

	// Logger receives lifecycle and audit entries. Nil uses slog.Default.
	Logger *slog.Logger
}

// Runtime is the top-level plugin orchestrator.
type Runtime struct {
	policy         *trust.Policy
	perms          *security.Manager
	limiter        *security.Limiter
	registry       *apiver.Registry
	ops            *hostops.Service
	consent        ConsentFunc
	requestTimeout time.Duration
	hostVersion    string
	log            *slog.Logger

	mu       sync.RWMutex
	plugins  map[string]*LoadedPlugin
	loading  map[string]bool
	handlers []EventHandler
}

// NewRuntime creates a runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Policy == nil || cfg.Permissions == nil || cfg.Limiter == nil || cfg.Registry == nil || cfg.Ops == nil {
		return nil, fmt.Errorf("runtime: policy, permissions, limiter, registry, and ops are required")
	}
	if cfg.HostVersion == "" {
		return nil, fmt.Errorf("runtime: host version is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Runtime{
		policy:         cfg.Policy,
		perms:          cfg.Permissions,
		limiter:        cfg.Limiter,
		registry:       cfg.Registry,
		ops:            cfg.Ops,
		consent:        cfg.Consent,
		requestTimeout: cfg.RequestTimeout,
		hostVersion:    cfg.HostVersion,
		log:            log,
		plugins:        make(map[string]*LoadedPlugin),
		loading:        make(map[string]bool),
	}, nil
}

// LoadPlugin takes a validated manifest through the full activation
// sequence: tier assignment, engine and API version checks, consent,
// capability grants, and sandbox construction. The returned plugin is
// loading; EventReady fires once it announces itself.
func (r *Runtime) LoadPlugin(ctx context.Context, m *Manifest, src trust.Source) (*LoadedPlugin, error) {
	// Reserve the id for the whole activation so a concurrent load of
	// the same plugin cannot pass the duplicate gate in parallel.
	r.mu.Lock()
	if _, exists := r.plugins[m.ID]; exists || r.loading[m.ID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, m.ID)
	}
	r.loading[m.ID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.loading, m.ID)
		r.mu.Unlock()
	}()

	// Tier comes from provenance alone. The manifest has no say.
	tier := trust.Classify(src)
	restrictions := r.policy.RestrictionsFor(tier)
	log := r.log.With("plugin", m.ID, "tier", tier.String())

	if !m.EngineSatisfied(r.hostVersion) {
		err := fmt.Errorf("%w: %s requires itemdeck %s, host is %s",
			ErrEngineIncompatible, m.ID, m.Engines.Itemdeck, r.hostVersion)
		r.emit(Event{Type: EventError, PluginID: m.ID, Err: err})
		return nil, err
	}

	dispatcher, err := r.registry.ForVersion(m.APIVersionRequested())
	if err != nil {
		r.emit(Event{Type: EventError, PluginID: m.ID, Err: err})
		return nil, err
	}

	// Grants are the intersection of what the plugin requests and
	// what its tier permits. A request outside the tier ceiling is
	// silently not granted, not a load failure.
	grantable := make([]security.Action, 0, len(m.Permissions))
	for _, a := range m.Permissions {
		if restrictions.Permits(a) {
			grantable = append(grantable, a)
		}
	}

	if needing := security.ConsentActions(grantable); len(needing) > 0 && r.consent != nil {
		if !r.consent(m, needing) {
			err := fmt.Errorf("%w: %s", ErrConsentDenied, m.ID)
			r.emit(Event{Type: EventError, PluginID: m.ID, Err: err})
			return nil, err
		}
	}

	r.perms.Register(m.ID, grantable)
	for _, a := range grantable {
		if _, err := r.perms.Grant(m.ID, a, security.Scope{}); err != nil {
			r.perms.Unregister(m.ID)
			return nil, fmt.Errorf("grant %s: %w", a, err)
		}
	}

	r.limiter.Register(m.ID, restrictions.MaxCallsPerMinute, restrictions.ActionLimits)
	r.ops.RegisterPlugin(m.ID, restrictions)

	sb := sandbox.New(m.ID, restrictions, sandbox.WithLogger(r.log))

	// The destroy callback is armed only once the plugin has actually
	// loaded: a teardown during a failed activation must not announce
	// the destruction of a plugin subscribers never saw load. After
	// load it also reaps host-side state, so a bridge that destroys
	// itself at the violation threshold does not leave the sandbox,
	// capabilities, or rate windows behind.
	var loaded atomic.Bool
	bridgeOpts := []bridge.Option{
		bridge.WithOnReady(func() {
			r.emit(Event{Type: EventReady, PluginID: m.ID})
		}),
		bridge.WithOnDestroy(func() {
			if !loaded.Load() {
				return
			}
			r.reap(m.ID)
			r.emit(Event{Type: EventDestroyed, PluginID: m.ID})
		}),
	}
	if r.requestTimeout > 0 {
		bridgeOpts = append(bridgeOpts, bridge.WithRequestTimeout(r.requestTimeout))
	}

	br, err := bridge.New(bridge.Config{
		PluginID:    m.ID,
		Origin:      sb.Origin(),
		Transport:   sb,
		Limiter:     r.limiter,
		Permissions: r.perms,
		Dispatcher:  dispatcher,
		Logger:      r.log,
	}, bridgeOpts...)
	if err != nil {
		r.cleanup(m.ID, sb, nil)
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	sb.SetOutbound(br.HandleInbound)

	runCtx, cancel := context.WithCancel(context.Background())
	go sb.Run(runCtx)

	if err := sb.LoadFile(ctx, m.MainPath()); err != nil {
		cancel()
		r.cleanup(m.ID, sb, br)
		err = fmt.Errorf("load %s: %w", m.Main, err)
		r.emit(Event{Type: EventError, PluginID: m.ID, Err: err})
		return nil, err
	}

	p := &LoadedPlugin{
		Manifest: m,
		Tier:     tier,
		Bridge:   br,
		sandbox:  sb,
		cancel:   cancel,
	}

	r.mu.Lock()
	r.plugins[m.ID] = p
	loaded.Store(true)
	r.mu.Unlock()

	log.Info("plugin loaded", "version", m.Version, "type", m.Type, "granted", len(grantable))
	r.emit(Event{Type: EventLoaded, PluginID: m.ID})

	return p, nil
}

// Destroy tears a plugin down and revokes everything it held. All
// unexpired capabilities are revoked eagerly; a reload under a lower
// tier starts from nothing.
func (r *Runtime) Destroy(pluginID string) error {
	r.mu.RLock()
	p, ok := r.plugins[pluginID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	// The bridge's destroy callback reaps everything else.
	p.Bridge.Destroy()

	r.log.Info("plugin destroyed", "plugin", pluginID)
	return nil
}

// reap releases a loaded plugin's host-side state once its bridge has
// torn down, whether through Destroy or by crossing the violation
// threshold. Idempotent.
func (r *Runtime) reap(pluginID string) {
	r.mu.Lock()
	p, ok := r.plugins[pluginID]
	if ok {
		delete(r.plugins, pluginID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	p.sandbox.Close()
	p.cancel()
	r.perms.Unregister(pluginID)
	r.limiter.Unregister(pluginID)
	r.ops.UnregisterPlugin(pluginID)
}

// DestroyAll tears down every loaded plugin.
func (r *Runtime) DestroyAll() {
	for _, id := range r.List() {
		if err := r.Destroy(id); err != nil {
			r.log.Warn("destroy failed", "plugin", id, "err", err)
		}
	}
}

// cleanup unwinds a failed activation's host-side registrations. The
// bridge, if given, is destroyed first so nothing dispatches
// mid-revocation.
func (r *Runtime) cleanup(pluginID string, sb *sandbox.Sandbox, br *bridge.Bridge) {
	if br != nil {
		br.Destroy()
	}
	if sb != nil {
		sb.Close()
	}
	r.perms.Unregister(pluginID)
	r.limiter.Unregister(pluginID)
	r.ops.UnregisterPlugin(pluginID)
}

// Get returns a loaded plugin by id.
func (r *Runtime) Get(pluginID string) (*LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[pluginID]
	return p, ok
}

// List returns the ids of all loaded plugins.
func (r *Runtime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of loaded plugins.
func (r *Runtime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Subscribe registers an event handler and returns an unsubscribe
// function.
func (r *Runtime) Subscribe(handler EventHandler) func() {
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	idx := len(r.handlers) - 1
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < len(r.handlers) {
			r.handlers[idx] = nil
		}
	}
}

// emit calls subscribers outside the lock with panic recovery.
func (r *Runtime) emit(event Event) {
	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				recover()
			}()
			handler(event)
		}()
	}
}
