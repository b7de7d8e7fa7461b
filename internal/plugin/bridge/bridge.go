package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itemdeck/itemdeck/internal/plugin/security"
)

// Defaults for bridge behaviour.
const (
	// DefaultRequestTimeout bounds host-issued requests awaiting a
	// plugin response.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultViolationLimit is how many protocol violations (bad
	// origin, mismatched plugin id, malformed frames) a bridge
	// tolerates before it destroys itself. Transient cross-channel
	// noise should not kill a legitimate plugin on first occurrence.
	DefaultViolationLimit = 5
)

// ErrInvalidConfig is returned when required bridge wiring is missing.
var ErrInvalidConfig = errors.New("bridge: invalid configuration")

// State is the bridge lifecycle state.
type State int

const (
	// StateUninitialised - created, transport not yet attached.
	StateUninitialised State = iota

	// StateLoading - plugin code is loading; awaiting manifest exchange.
	StateLoading

	// StateActive - manifest exchange complete, requests flow.
	StateActive

	// StateDestroyed - torn down; terminal.
	StateDestroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// requiredActions maps request kinds to the capability each one needs.
// KindReady is absent: the manifest exchange needs no permission.
var requiredActions = map[RequestKind]security.Action{
	KindCardsRead:   security.ActionCardsRead,
	KindCardsWrite:  security.ActionCardsWrite,
	KindStorageGet:  security.ActionStorageRead,
	KindStoragePut:  security.ActionStorageWrite,
	KindFetch:       security.ActionNetworkFetch,
	KindNotify:      security.ActionUINotify,
	KindSettingsGet: security.ActionSettingsRead,
	KindSettingsSet: security.ActionSettingsWrite,
}

// Config wires a bridge to its collaborators.
type Config struct {
	// PluginID is the manifest-declared plugin id this bridge serves.
	PluginID string

	// Origin is the plugin execution context's origin token. Inbound
	// messages from any other origin are dropped without response.
	Origin string

	// Transport posts messages into the plugin's execution context.
	Transport Transport

	// Limiter bounds inbound call frequency. Checked first.
	Limiter *security.Limiter

	// Permissions is consulted after the rate check.
	Permissions *security.Manager

	// Dispatcher is the version-adapted operation surface.
	Dispatcher Dispatcher

	// Logger receives protocol audit entries. Nil uses slog.Default.
	Logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRequestTimeout sets the deadline for host-issued requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithViolationLimit sets the protocol violation threshold.
func WithViolationLimit(n int) Option {
	return func(b *Bridge) {
		b.violationLimit = n
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithIDGenerator sets the request id source. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) {
		b.newID = fn
	}
}

// WithOnReady sets the callback fired when the plugin announces ready.
func WithOnReady(fn func()) Option {
	return func(b *Bridge) {
		b.onReady = fn
	}
}

// WithOnDestroy sets the callback fired once on teardown.
func WithOnDestroy(fn func()) Option {
	return func(b *Bridge) {
		b.onDestroy = fn
	}
}

// Bridge owns one plugin's message channel. All inbound traffic passes
// its gate sequence - origin, plugin id, correlation, rate limit,
// permission - before any host operation runs. A malformed or hostile
// frame is dropped or answered with a protocol error; it never crashes
// the bridge.
type Bridge struct {
	pluginID   string
	origin     string
	transport  Transport
	limiter    *security.Limiter
	perms      *security.Manager
	dispatcher Dispatcher
	log        *slog.Logger

	timeout        time.Duration
	violationLimit int
	now            func() time.Time
	newID          func() string
	onReady        func()
	onDestroy      func()

	mu         sync.Mutex
	state      State
	pending    map[string]*pendingRequest
	violations int
}

// New creates a bridge in the loading state.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.PluginID == "" || cfg.Origin == "" {
		return nil, fmt.Errorf("%w: plugin id and origin are required", ErrInvalidConfig)
	}
	if cfg.Transport == nil || cfg.Limiter == nil || cfg.Permissions == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: transport, limiter, permissions, and dispatcher are required", ErrInvalidConfig)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Bridge{
		pluginID:       cfg.PluginID,
		origin:         cfg.Origin,
		transport:      cfg.Transport,
		limiter:        cfg.Limiter,
		perms:          cfg.Permissions,
		dispatcher:     cfg.Dispatcher,
		log:            log.With("plugin", cfg.PluginID),
		timeout:        DefaultRequestTimeout,
		violationLimit: DefaultViolationLimit,
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
		state:          StateLoading,
		pending:        make(map[string]*pendingRequest),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PluginID returns the plugin id this bridge serves.
func (b *Bridge) PluginID() string {
	return b.pluginID
}

// Origin returns the recorded plugin origin.
func (b *Bridge) Origin() string {
	return b.origin
}

// HandleInbound processes one message arriving from the plugin side.
// Gate order is fixed: origin, plugin id, correlation, then for new
// requests rate limit and permission before dispatch.
func (b *Bridge) HandleInbound(origin string, msg Message) {
	if b.State() == StateDestroyed {
		return
	}

	// Origin gate. A mismatch means some other context is trying to
	// impersonate the plugin: drop silently, log for audit.
	if origin != b.origin {
		b.log.Warn("dropping message with mismatched origin", "origin", origin)
		b.violation()
		return
	}

	// Replies carry no pluginId field; requests must carry the right one.
	if msg.IsReply() {
		b.handleReply(msg)
		return
	}

	if msg.PluginID != b.pluginID {
		b.log.Warn("dropping message with mismatched plugin id", "claimed", msg.PluginID)
		b.violation()
		return
	}

	if msg.RequestID == "" {
		b.log.Debug("dropping malformed frame without request id", "type", msg.Type)
		b.violation()
		return
	}

	b.handleRequest(msg)
}

// handleReply correlates a response or error frame with a pending
// host-issued request. A reply whose id matches nothing in flight is
// late or forged; either way it is a no-op.
func (b *Bridge) handleReply(msg Message) {
	b.mu.Lock()
	p, ok := b.pending[msg.RequestID]
	if ok {
		delete(b.pending, msg.RequestID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Debug("dropping reply with no pending request", "requestId", msg.RequestID)
		return
	}

	if msg.Type == TypeError {
		p.resolve(result{err: &RemoteError{Message: msg.Error}})
		return
	}
	p.resolve(result{payload: msg.Payload})
}

// handleRequest runs the gate sequence for a new plugin-initiated
// request and dispatches it. Failures become typed error frames; the
// bridge always responds to a well-formed request, never throws across
// the boundary.
func (b *Bridge) handleRequest(msg Message) {
	// The rate gate covers every inbound request, unknown types and
	// the ready announcement included: each one costs the host a
	// response frame.
	if !b.limiter.Allow(b.pluginID, msg.Type) {
		b.log.Info("rate limit exceeded", "type", msg.Type)
		b.sendError(msg.RequestID, "Rate limit exceeded")
		return
	}

	kind := KindForType(msg.Type)
	if kind == KindUnknown {
		b.sendError(msg.RequestID, fmt.Sprintf("unknown request type: %s", msg.Type))
		return
	}

	if kind == KindReady {
		b.markActive()
		b.sendResponse(msg.RequestID, nil)
		return
	}

	action, needed := requiredActions[kind]
	if needed {
		resource := b.dispatcher.Resource(kind, msg.Payload)
		if !b.perms.Check(b.pluginID, action, resource) {
			b.log.Info("permission denied", "action", action, "resource", resource)
			b.sendError(msg.RequestID, fmt.Sprintf("Permission denied: %s", msg.Type))
			return
		}
	}

	ctx := context.Background()
	out, err := b.dispatcher.Dispatch(ctx, b.pluginID, kind, msg.Payload)
	if err != nil {
		b.sendError(msg.RequestID, err.Error())
		return
	}
	b.sendResponse(msg.RequestID, out)
}

// Request sends a host-initiated message to the plugin and waits for
// its reply. Exactly one of response, error, or timeout resolves it;
// whichever fires first wins and a later arrival is a no-op.
func (b *Bridge) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	id := b.newID()

	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil, ErrBridgeDestroyed
	}
	p := newPending(id, b.now().Add(b.timeout), b.timeout, func() {
		b.expire(id)
	})
	b.pending[id] = p
	b.mu.Unlock()

	msg := Message{Type: msgType, RequestID: id, Payload: raw, PluginID: b.pluginID}
	if err := b.transport.Deliver(b.origin, msg); err != nil {
		b.abandon(id)
		return nil, fmt.Errorf("deliver request: %w", err)
	}

	select {
	case res := <-p.done:
		return res.payload, res.err
	case <-ctx.Done():
		b.abandon(id)
		return nil, ctx.Err()
	}
}

// expire resolves a pending request with a timeout error. A request
// already resolved by a reply is left alone.
func (b *Bridge) expire(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if ok {
		p.resolve(result{err: ErrRequestTimeout})
	}
}

// abandon drops a pending request without resolving it, used when the
// caller has stopped waiting.
func (b *Bridge) abandon(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if ok {
		p.timer.Stop()
	}
}

// markActive completes the manifest exchange.
func (b *Bridge) markActive() {
	b.mu.Lock()
	transitioned := b.state == StateLoading
	if transitioned {
		b.state = StateActive
	}
	b.mu.Unlock()

	if transitioned {
		b.log.Info("plugin ready")
		if b.onReady != nil {
			b.onReady()
		}
	}
}

// sendResponse posts a response frame targeted at the plugin's origin.
func (b *Bridge) sendResponse(requestID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.sendError(requestID, fmt.Sprintf("marshal response: %v", err))
		return
	}
	b.deliver(Message{Type: TypeResponse, RequestID: requestID, Payload: raw})
}

// sendError posts a typed error frame targeted at the plugin's origin.
func (b *Bridge) sendError(requestID, text string) {
	b.deliver(Message{Type: TypeError, RequestID: requestID, Error: text})
}

func (b *Bridge) deliver(msg Message) {
	if err := b.transport.Deliver(b.origin, msg); err != nil {
		b.log.Debug("deliver failed", "type", msg.Type, "err", err)
	}
}

// violation counts a protocol violation and tears the bridge down once
// the threshold is crossed.
func (b *Bridge) violation() {
	b.mu.Lock()
	b.violations++
	over := b.violations >= b.violationLimit
	b.mu.Unlock()

	if over {
		b.log.Warn("protocol violation threshold reached, destroying bridge")
		b.Destroy()
	}
}

// Violations returns the protocol violation count.
func (b *Bridge) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}

// Destroy tears the bridge down: pending requests are rejected, new
// traffic is ignored. Idempotent; any state may transition here.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return
	}
	b.state = StateDestroyed
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range pending {
		p.resolve(result{err: ErrBridgeDestroyed})
	}

	if b.onDestroy != nil {
		b.onDestroy()
	}
	b.log.Info("bridge destroyed")
}
