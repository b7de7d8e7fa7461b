package apiver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
)

// apiV2 is the current plugin-facing API shape: a direct mapping onto
// the internal operation set.
type apiV2 struct {
	ops hostops.Ops
}

type v2CardsReadRequest struct {
	CollectionID string `json:"collectionId"`
}

type v2CardsReadResponse struct {
	Cards []hostops.Card `json:"cards"`
}

type v2CardsWriteRequest struct {
	CollectionID string       `json:"collectionId"`
	Card         hostops.Card `json:"card"`
}

type v2StorageGetRequest struct {
	Key string `json:"key"`
}

type v2StorageGetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type v2StoragePutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type v2FetchRequest struct {
	URL string `json:"url"`
}

type v2FetchResponse struct {
	Body []byte `json:"body"`
}

type v2NotifyRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type v2SettingsGetRequest struct {
	Key string `json:"key"`
}

type v2SettingsGetResponse struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type v2SettingsSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Resource extracts the collection id for card operations; everything
// else is unscoped.
func (a *apiV2) Resource(kind bridge.RequestKind, payload json.RawMessage) string {
	switch kind {
	case bridge.KindCardsRead, bridge.KindCardsWrite:
		var req v2CardsReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return ""
		}
		return req.CollectionID
	default:
		return ""
	}
}

// Dispatch translates a request onto the internal operation set. The
// kind switch is exhaustive over the dispatchable kinds.
func (a *apiV2) Dispatch(ctx context.Context, pluginID string, kind bridge.RequestKind, payload json.RawMessage) (any, error) {
	switch kind {
	case bridge.KindCardsRead:
		var req v2CardsReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("cards:read payload: %w", err)
		}
		cards, err := a.ops.ReadCards(ctx, req.CollectionID)
		if err != nil {
			return nil, err
		}
		return v2CardsReadResponse{Cards: cards}, nil

	case bridge.KindCardsWrite:
		var req v2CardsWriteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("cards:write payload: %w", err)
		}
		if err := a.ops.WriteCard(ctx, req.CollectionID, req.Card); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindStorageGet:
		var req v2StorageGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("storage:get payload: %w", err)
		}
		value, found, err := a.ops.StorageGet(ctx, pluginID, req.Key)
		if err != nil {
			return nil, err
		}
		return v2StorageGetResponse{Value: value, Found: found}, nil

	case bridge.KindStoragePut:
		var req v2StoragePutRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("storage:put payload: %w", err)
		}
		if err := a.ops.StoragePut(ctx, pluginID, req.Key, req.Value); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindFetch:
		var req v2FetchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("network:fetch payload: %w", err)
		}
		body, err := a.ops.Fetch(ctx, pluginID, req.URL)
		if err != nil {
			return nil, err
		}
		return v2FetchResponse{Body: body}, nil

	case bridge.KindNotify:
		var req v2NotifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("ui:notify payload: %w", err)
		}
		if err := a.ops.Notify(ctx, pluginID, req.Level, req.Message); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindSettingsGet:
		var req v2SettingsGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("settings:get payload: %w", err)
		}
		value, found, err := a.ops.SettingsGet(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return v2SettingsGetResponse{Value: value, Found: found}, nil

	case bridge.KindSettingsSet:
		var req v2SettingsSetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("settings:set payload: %w", err)
		}
		if err := a.ops.SettingsSet(ctx, req.Key, req.Value); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindReady, bridge.KindUnknown:
		return nil, fmt.Errorf("kind %q is not dispatchable", kind)

	default:
		return nil, fmt.Errorf("kind %q is not dispatchable", kind)
	}
}
