package apiver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
)

// apiV1 is the legacy API shape. It survives only as a translation
// layer onto the current operation set; field names differ from v2.
type apiV1 struct {
	ops hostops.Ops
}

type v1CardsReadRequest struct {
	Collection string `json:"collection"`
}

type v1CardsReadResponse struct {
	Items []hostops.Card `json:"items"`
}

type v1CardsWriteRequest struct {
	Collection string       `json:"collection"`
	Item       hostops.Card `json:"item"`
}

type v1StorageGetRequest struct {
	Key string `json:"key"`
}

// v1 wrapped stored bytes in a data envelope and signalled absence
// with a null envelope rather than a found flag.
type v1StorageGetResponse struct {
	Data *v1StorageValue `json:"data"`
}

type v1StorageValue struct {
	Bytes []byte `json:"bytes"`
}

type v1StoragePutRequest struct {
	Key  string         `json:"key"`
	Data v1StorageValue `json:"data"`
}

type v1FetchRequest struct {
	Href string `json:"href"`
}

type v1FetchResponse struct {
	Body []byte `json:"body"`
}

type v1NotifyRequest struct {
	Text string `json:"text"`
}

type v1SettingsGetRequest struct {
	Key string `json:"key"`
}

type v1SettingsGetResponse struct {
	Value string `json:"value"`
}

type v1SettingsSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *apiV1) Resource(kind bridge.RequestKind, payload json.RawMessage) string {
	switch kind {
	case bridge.KindCardsRead, bridge.KindCardsWrite:
		var req v1CardsReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return ""
		}
		return req.Collection
	default:
		return ""
	}
}

func (a *apiV1) Dispatch(ctx context.Context, pluginID string, kind bridge.RequestKind, payload json.RawMessage) (any, error) {
	switch kind {
	case bridge.KindCardsRead:
		var req v1CardsReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("cards:read payload: %w", err)
		}
		cards, err := a.ops.ReadCards(ctx, req.Collection)
		if err != nil {
			return nil, err
		}
		return v1CardsReadResponse{Items: cards}, nil

	case bridge.KindCardsWrite:
		var req v1CardsWriteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("cards:write payload: %w", err)
		}
		if err := a.ops.WriteCard(ctx, req.Collection, req.Item); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindStorageGet:
		var req v1StorageGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("storage:get payload: %w", err)
		}
		value, found, err := a.ops.StorageGet(ctx, pluginID, req.Key)
		if err != nil {
			return nil, err
		}
		if !found {
			return v1StorageGetResponse{Data: nil}, nil
		}
		return v1StorageGetResponse{Data: &v1StorageValue{Bytes: value}}, nil

	case bridge.KindStoragePut:
		var req v1StoragePutRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("storage:put payload: %w", err)
		}
		if err := a.ops.StoragePut(ctx, pluginID, req.Key, req.Data.Bytes); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindFetch:
		var req v1FetchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("network:fetch payload: %w", err)
		}
		body, err := a.ops.Fetch(ctx, pluginID, req.Href)
		if err != nil {
			return nil, err
		}
		return v1FetchResponse{Body: body}, nil

	case bridge.KindNotify:
		var req v1NotifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("ui:notify payload: %w", err)
		}
		if err := a.ops.Notify(ctx, pluginID, "info", req.Text); err != nil {
			return nil, err
		}
		return okResponse{OK: true}, nil

	case bridge.KindSettingsGet:
		var req v1SettingsGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("settings:get payload: %w", err)
		}
		value, _, err := a.ops.SettingsGet(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return v1SettingsGetResponse{Value: value}, nil

	case bridge.KindSettingsSet:
		var req v1SettingsSetRequest
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
