// Package sandbox runs plugin code inside an isolated Lua VM and
// exchanges messages with the host over the bridge protocol. Each
// sandbox owns one VM, identified by a unique unguessable origin
// token; the host addresses it by that origin and the sandbox drops
// anything addressed elsewhere.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// sdkModuleName is the module plugins require to talk to the host.
const sdkModuleName = "itemdeck"

// defaultQueueSize bounds the inbox and call queues.
const defaultQueueSize = 64

// ErrSandboxClosed is returned when using a sandbox after Close.
var ErrSandboxClosed = errors.New("sandbox: closed")

// vmCall is one operation to run on the VM goroutine.
type vmCall struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Sandbox is a plugin's isolated execution context.
//
// gopher-lua's LState is not goroutine-safe, so all VM work funnels
// through Run's goroutine: scripts via the call queue, host messages
// via the inbox. Everything below the "VM goroutine state" marker is
// touched only from that goroutine.
type Sandbox struct {
	pluginID string
	origin   string
	log      *slog.Logger

	// executionTimeout bounds each top-level VM entry (script load,
	// handler call). Zero means unlimited.
	executionTimeout time.Duration

	// instructionLimit is advisory; gopher-lua has no instruction
	// hook, so the execution timeout is the enforced budget.
	instructionLimit int64

	newID    func() string
	outbound func(origin string, msg bridge.Message)

	inbox     chan bridge.Message
	calls     chan *vmCall
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// VM goroutine state.
	L        *lua.LState
	handlers map[string]*lua.LFunction
	replies  map[string]*lua.LFunction
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the audit logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sandbox) {
		s.log = log
	}
}

// WithIDGenerator sets the request id source. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Sandbox) {
		s.newID = fn
	}
}

// New creates a sandbox for the plugin with the execution budgets the
// given restrictions allow. The VM starts restricted; Run must be
// called before any script executes.
func New(pluginID string, r trust.Restrictions, opts ...Option) *Sandbox {
	s := &Sandbox{
		pluginID:         pluginID,
		origin:           "sandbox://" + pluginID + "/" + uuid.New().String(),
		log:              slog.Default(),
		executionTimeout: r.ExecutionTimeout,
		instructionLimit: r.InstructionLimit,
		newID:            func() string { return uuid.New().String() },
		inbox:            make(chan bridge.Message, defaultQueueSize),
		calls:            make(chan *vmCall, defaultQueueSize),
		done:             make(chan struct{}),
		handlers:         make(map[string]*lua.LFunction),
		replies:          make(map[string]*lua.LFunction),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("plugin", pluginID)

	s.L = newRestrictedState()
	s.L.PreloadModule(sdkModuleName, s.loadSDK)

	return s
}

// PluginID returns the plugin this sandbox hosts.
func (s *Sandbox) PluginID() string {
	return s.pluginID
}

// Origin returns the sandbox's origin token.
func (s *Sandbox) Origin() string {
	return s.origin
}

// SetOutbound wires the sandbox's outgoing messages to the host side.
// Messages are emitted with the sandbox's own origin as sender.
func (s *Sandbox) SetOutbound(fn func(origin string, msg bridge.Message)) {
	s.outbound = fn
}

// Deliver implements bridge.Transport. Messages not addressed exactly
// to this sandbox's origin are rejected without being enqueued.
func (s *Sandbox) Deliver(targetOrigin string, msg bridge.Message) error {
	if s.closed.Load() {
		return ErrSandboxClosed
	}
	if targetOrigin != s.origin {
		return fmt.Errorf("message for origin %q not deliverable here", targetOrigin)
	}

	select {
	case s.inbox <- msg:
		return nil
	default:
		s.log.Warn("inbox full, dropping message", "type", msg.Type)
		return errors.New("sandbox inbox full")
	}
}

// Run owns the VM goroutine: it processes queued script executions and
// inbound host messages until the context is cancelled or the sandbox
// is closed, then closes the VM.
func (s *Sandbox) Run(ctx context.Context) {
	defer s.L.Close()

	for {
		select {
		case <-ctx.Done():
			s.drainCalls(ctx.Err())
			return
		case <-s.done:
			s.drainCalls(ErrSandboxClosed)
			return
		case call := <-s.calls:
			err := s.guarded(func() error { return call.fn(s.L) })
			select {
			case call.result <- err:
			default:
			}
			close(call.result)
		case msg := <-s.inbox:
			s.handleInbound(msg)
		}
	}
}

// drainCalls rejects queued calls with the given error on shutdown.
func (s *Sandbox) drainCalls(err error) {
	for {
		select {
		case call := <-s.calls:
			select {
			case call.result <- err:
			default:
			}
			close(call.result)
		default:
			return
		}
	}
}

// execute runs fn on the VM goroutine and waits for it to finish.
func (s *Sandbox) execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if s.closed.Load() {
		return ErrSandboxClosed
	}

	call := &vmCall{fn: fn, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSandboxClosed
	case s.calls <- call:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-call.result:
		if !ok {
			return ErrSandboxClosed
		}
		return err
	}
}

// LoadFile executes the plugin's entry point script.
func (s *Sandbox) LoadFile(ctx context.Context, path string) error {
	return s.execute(ctx, func(L *lua.LState) error {
		return L.DoFile(path)
	})
}

// DoString executes a script from source.
func (s *Sandbox) DoString(ctx context.Context, code string) error {
	return s.execute(ctx, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// Close stops the sandbox. In-flight calls fail with ErrSandboxClosed;
// the VM is closed by Run on its way out. Idempotent.
func (s *Sandbox) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// guarded runs one top-level VM entry with panic recovery and the
// execution timeout applied.
func (s *Sandbox) guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	if s.executionTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.executionTimeout)
		defer cancel()
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}

	return fn()
}

// handleInbound processes one host message on the VM goroutine.
func (s *Sandbox) handleInbound(msg bridge.Message) {
	if msg.IsReply() {
		s.handleReply(msg)
		return
	}
	s.handleHostRequest(msg)
}

// handleReply fires the callback registered for the request id, if
// any. Replies without a registered callback (like the ready ack) are
// dropped.
func (s *Sandbox) handleReply(msg bridge.Message) {
	cb, ok := s.replies[msg.RequestID]
	if ok {
		delete(s.replies, msg.RequestID)
	}
	if !ok || cb == nil {
		return
	}

	var result, errArg lua.LValue = lua.LNil, lua.LNil
	if msg.Type == bridge.TypeError {
		errArg = lua.LString(msg.Error)
	} else {
		v, err := payloadToLua(s.L, msg.Payload)
		if err != nil {
			errArg = lua.LString(err.Error())
		} else {
			result = v
		}
	}

	err := s.guarded(func() error {
		s.L.Push(cb)
		s.L.Push(result)
		s.L.Push(errArg)
		return s.L.PCall(2, 0, nil)
	})
	if err != nil {
		s.log.Warn("reply callback failed", "requestId", msg.RequestID, "err", err)
	}
}

// handleHostRequest invokes the plugin's registered handler for a
// host-initiated request and sends its return value back as the
// response frame.
func (s *Sandbox) handleHostRequest(msg bridge.Message) {
	handler := s.handlers[msg.Type]
	if handler == nil {
		s.emit(bridge.Message{
			Type:      bridge.TypeError,
			RequestID: msg.RequestID,
			Error:     fmt.Sprintf("no handler for %s", msg.Type),
		})
		return
	}

	arg, err := payloadToLua(s.L, msg.Payload)
	if err != nil {
		s.emit(bridge.Message{Type: bridge.TypeError, RequestID: msg.RequestID, Error: err.Error()})
		return
	}

	var ret lua.LValue = lua.LNil
	err = s.guarded(func() error {
		s.L.Push(handler)
		s.L.Push(arg)
		if err := s.L.PCall(1, 1, nil); err != nil {
			return err
		}
		ret = s.L.Get(-1)
		s.L.Pop(1)
		return nil
	})
	if err != nil {
		s.emit(bridge.Message{Type: bridge.TypeError, RequestID: msg.RequestID, Error: err.Error()})
		return
	}

	raw, err := luaToPayload(ret)
	if err != nil {
		s.emit(bridge.Message{Type: bridge.TypeError, RequestID: msg.RequestID, Error: err.Error()})
		return
	}
	s.emit(bridge.Message{Type: bridge.TypeResponse, RequestID: msg.RequestID, Payload: raw})
}

// emit sends a message to the host side.
func (s *Sandbox) emit(msg bridge.Message) {
	if s.outbound == nil {
		s.log.Debug("no outbound wired, dropping message", "type", msg.Type)
		return
	}
	s.outbound(s.origin, msg)
}

// loadSDK builds the host SDK module plugins obtain with
// require("itemdeck"). All SDK functions run on the VM goroutine, so
// they may touch the handler and reply tables without locking.
func (s *Sandbox) loadSDK(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"request": s.luaRequest,
		"on":      s.luaOn,
		"ready":   s.luaReady,
		"log":     s.luaLog,
	})
	L.Push(mod)
	return 1
}

// luaRequest sends a request to the host. An optional third argument
// registers a callback invoked as cb(result, err) when the reply
// arrives. Returns the request id.
func (s *Sandbox) luaRequest(L *lua.LState) int {
	msgType := L.CheckString(1)
	payload := L.Get(2)
	var cb *lua.LFunction
	if fn, ok := L.Get(3).(*lua.LFunction); ok {
		cb = fn
	}

	raw, err := luaToPayload(payload)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	id := s.newID()
	if cb != nil {
		s.replies[id] = cb
	}

	s.emit(bridge.Message{
		Type:      msgType,
		RequestID: id,
		Payload:   raw,
		PluginID:  s.pluginID,
	})

	L.Push(lua.LString(id))
	return 1
}

// luaOn registers a handler for host-initiated requests of the given
// type. The handler's return value becomes the response payload.
func (s *Sandbox) luaOn(L *lua.LState) int {
	msgType := L.CheckString(1)
	handler := L.CheckFunction(2)
	s.handlers[msgType] = handler
	return 0
}

// luaReady announces the manifest exchange: the plugin's entry point
// has finished initialising.
func (s *Sandbox) luaReady(L *lua.LState) int {
	s.emit(bridge.Message{
		Type:      bridge.TypeReady,
		RequestID: s.newID(),
		PluginID:  s.pluginID,
	})
	return 0
}

// luaLog writes a plugin-authored line into the host log.
func (s *Sandbox) luaLog(L *lua.LState) int {
	s.log.Info("plugin log", "message", L.CheckString(1))
	return 0
}
