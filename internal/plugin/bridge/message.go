// Package bridge implements the message protocol between the host and
// a plugin's isolated execution context: request framing, origin
// checking, correlation, timeouts, and response delivery. One Bridge
// exists per active plugin and is the only component that talks across
// the isolation boundary.
package bridge

import (
	"context"
	"encoding/json"
)

// Reserved message types for correlation replies. Every other type
// names a request kind.
const (
	TypeResponse = "response"
	TypeError    = "error"
)

// TypeReady is the manifest-exchange announcement a plugin sends once
// its entry point has finished initialising.
const TypeReady = "plugin:ready"

// Message is the JSON wire frame exchanged in both directions.
//
//	Request:  { type, requestId, payload, pluginId }
//	Response: { type: "response", requestId, payload }
//	Error:    { type: "error",    requestId, error }
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PluginID  string          `json:"pluginId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsReply returns true for correlation replies (response or error
// frames) as opposed to new requests.
func (m Message) IsReply() bool {
	return m.Type == TypeResponse || m.Type == TypeError
}

// RequestKind enumerates the closed set of request types a plugin may
// send. Dispatch switches exhaustively over this enum so a new kind is
// a compile-visible change, not a silently ignored default case.
type RequestKind int

const (
	// KindUnknown - not a recognised request type.
	KindUnknown RequestKind = iota

	// KindReady - manifest exchange announcement, no permission needed.
	KindReady

	// KindCardsRead - read cards from a collection.
	KindCardsRead

	// KindCardsWrite - add or replace a card in a collection.
	KindCardsWrite

	// KindStorageGet - read the plugin's key-value storage.
	KindStorageGet

	// KindStoragePut - write the plugin's key-value storage.
	KindStoragePut

	// KindFetch - fetch a remote resource.
	KindFetch

	// KindNotify - show a user-facing notification.
	KindNotify

	// KindSettingsGet - read a host settings value.
	KindSettingsGet

	// KindSettingsSet - write a host settings value.
	KindSettingsSet
)

// kindsByType maps wire type strings onto request kinds.
var kindsByType = map[string]RequestKind{
	TypeReady:       KindReady,
	"cards:read":    KindCardsRead,
	"cards:write":   KindCardsWrite,
	"storage:get":   KindStorageGet,
	"storage:put":   KindStoragePut,
	"network:fetch": KindFetch,
	"ui:notify":     KindNotify,
	"settings:get":  KindSettingsGet,
	"settings:set":  KindSettingsSet,
}

// KindForType resolves a wire type string to its request kind.
func KindForType(t string) RequestKind {
	return kindsByType[t]
}

// String returns the kind's wire type string.
func (k RequestKind) String() string {
	for t, kind := range kindsByType {
		if kind == k {
			return t
		}
	}
	return "unknown"
}

// Dispatcher executes translated requests against the host's internal
// operation surface. Implementations are version adapters: they own
// the plugin-facing payload shapes for their API major version.
type Dispatcher interface {
	// Resource extracts the scoped resource (e.g. a collection id)
	// from a request payload, for capability scope checks. Empty means
	// unscoped.
	Resource(kind RequestKind, payload json.RawMessage) string

	// Dispatch performs the operation and returns the plugin-facing
	// result, which the bridge marshals into the response frame.
	Dispatch(ctx context.Context, pluginID string, kind RequestKind, payload json.RawMessage) (any, error)
}

// Transport posts a message into a plugin's execution context. Deliver
// must drop the message unless targetOrigin exactly matches the
// context's own origin; the host always targets the plugin's recorded
// origin explicitly, never a wildcard.
type Transport interface {
	Deliver(targetOrigin string, msg Message) error
}
