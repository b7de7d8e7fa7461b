package apiver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/itemdeck/itemdeck/internal/plugin/bridge"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
)

// fakeOps records the translated operation arguments, so request
// shapes can be asserted end to end.
type fakeOps struct {
	readCollection  string
	cards           []hostops.Card
	writeCollection string
	writtenCard     hostops.Card

	storageValue []byte
	storageFound bool
	putKey       string
	putValue     []byte

	fetchURL  string
	fetchBody []byte

	notifyLevel   string
	notifyMessage string

	settingsValue string
	settingsFound bool
	setKey        string
	setValue      string

	err error
}

func (f *fakeOps) ReadCards(_ context.Context, collectionID string) ([]hostops.Card, error) {
	f.readCollection = collectionID
	return f.cards, f.err
}

func (f *fakeOps) WriteCard(_ context.Context, collectionID string, card hostops.Card) error {
	f.writeCollection = collectionID
	f.writtenCard = card
	return f.err
}

func (f *fakeOps) StorageGet(_ context.Context, pluginID, key string) ([]byte, bool, error) {
	return f.storageValue, f.storageFound, f.err
}

func (f *fakeOps) StoragePut(_ context.Context, pluginID, key string, value []byte) error {
	f.putKey = key
	f.putValue = value
	return f.err
}

func (f *fakeOps) Fetch(_ context.Context, pluginID, rawURL string) ([]byte, error) {
	f.fetchURL = rawURL
	return f.fetchBody, f.err
}

func (f *fakeOps) Notify(_ context.Context, pluginID, level, message string) error {
	f.notifyLevel = level
	f.notifyMessage = message
	return f.err
}

func (f *fakeOps) SettingsGet(_ context.Context, key string) (string, bool, error) {
	return f.settingsValue, f.settingsFound, f.err
}

func (f *fakeOps) SettingsSet(_ context.Context, key, value string) error {
	f.setKey = key
	f.setValue = value
	return f.err
}

// countingHandler counts warn-level records.
type countingHandler struct {
	slog.Handler
	mu    sync.Mutex
	warns int
}

func newCountingHandler() *countingHandler {
	return &countingHandler{Handler: slog.NewTextHandler(io.Discard, nil)}
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level == slog.LevelWarn {
		h.mu.Lock()
		h.warns++
		h.mu.Unlock()
	}
	return h.Handler.Handle(ctx, r)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warns
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForVersionResolvesMajor(t *testing.T) {
	reg := DefaultRegistry(&fakeOps{}, discardLogger())

	tests := []struct {
		requested string
		wantErr   bool
	}{
		{"2.0.0", false},
		{"v2.1.3", false},
		{"1.0.0", false},
		{"1.4.2", false},
		{"3.0.0", true},
		{"0.9.0", true},
		{"not-a-version", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := reg.ForVersion(tt.requested)
		if (err != nil) != tt.wantErr {
			t.Errorf("ForVersion(%q) error = %v, wantErr %v", tt.requested, err, tt.wantErr)
		}
	}
}

func TestUnsupportedVersionErrorListsMajors(t *testing.T) {
	reg := DefaultRegistry(&fakeOps{}, discardLogger())

	_, err := reg.ForVersion("7.0.0")
	var unsupported *UnsupportedVersionError
	if !errors.As(err, &unsupported) {
		t.Fatalf("ForVersion() error = %v, want *UnsupportedVersionError", err)
	}
	if unsupported.Requested != "7.0.0" {
		t.Errorf("Requested = %q, want %q", unsupported.Requested, "7.0.0")
	}
	if len(unsupported.Supported) != 2 || unsupported.Supported[0] != 1 || unsupported.Supported[1] != 2 {
		t.Errorf("Supported = %v, want [1 2]", unsupported.Supported)
	}
	if want := `unsupported API version "7.0.0": supported major versions are 1, 2`; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDeprecatedVersionWarnsOncePerCall(t *testing.T) {
	handler := newCountingHandler()
	reg := DefaultRegistry(&fakeOps{}, slog.New(handler))

	d, err := reg.ForVersion("1.0.0")
	if err != nil {
		t.Fatalf("ForVersion() error: %v", err)
	}

	ctx := context.Background()
	readPayload := json.RawMessage(`{"collection":"col-1"}`)
	getPayload := json.RawMessage(`{"key":"k"}`)

	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(ctx, "p", bridge.KindCardsRead, readPayload); err != nil {
			t.Fatalf("Dispatch(cards:read) error: %v", err)
		}
	}
	if got := handler.count(); got != 1 {
		t.Errorf("warn count after repeated cards:read = %d, want 1", got)
	}

	if _, err := d.Dispatch(ctx, "p", bridge.KindStorageGet, getPayload); err != nil {
		t.Fatalf("Dispatch(storage:get) error: %v", err)
	}
	if got := handler.count(); got != 2 {
		t.Errorf("warn count after a distinct call = %d, want 2", got)
	}
}

func TestCurrentVersionDoesNotWarn(t *testing.T) {
	handler := newCountingHandler()
	reg := DefaultRegistry(&fakeOps{}, slog.New(handler))

	d, err := reg.ForVersion("2.0.0")
	if err != nil {
		t.Fatalf("ForVersion() error: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "p", bridge.KindCardsRead, json.RawMessage(`{"collectionId":"c"}`)); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if got := handler.count(); got != 0 {
		t.Errorf("warn count = %d, want 0", got)
	}
}

func TestV2CardsReadTranslation(t *testing.T) {
	ops := &fakeOps{cards: []hostops.Card{{ID: "c1", Title: "Alpha"}}}
	adapter := &apiV2{ops: ops}

	out, err := adapter.Dispatch(context.Background(), "p", bridge.KindCardsRead,
		json.RawMessage(`{"collectionId":"col-9"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ops.readCollection != "col-9" {
		t.Errorf("collection passed to ops = %q, want %q", ops.readCollection, "col-9")
	}

	resp, ok := out.(v2CardsReadResponse)
	if !ok {
		t.Fatalf("Dispatch() returned %T, want v2CardsReadResponse", out)
	}
	if len(resp.Cards) != 1 || resp.Cards[0].ID != "c1" {
		t.Errorf("resp.Cards = %v, want the seeded card", resp.Cards)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := body["cards"]; !ok {
		t.Errorf("v2 response uses field %v, want \"cards\"", body)
	}
}

func TestV1CardsReadUsesLegacyFields(t *testing.T) {
	ops := &fakeOps{cards: []hostops.Card{{ID: "c1"}}}
	adapter := &apiV1{ops: ops}

	out, err := adapter.Dispatch(context.Background(), "p", bridge.KindCardsRead,
		json.RawMessage(`{"collection":"col-9"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ops.readCollection != "col-9" {
		t.Errorf("collection passed to ops = %q, want %q", ops.readCollection, "col-9")
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := body["items"]; !ok {
		t.Errorf("v1 response uses field %v, want \"items\"", body)
	}
}

func TestV1StorageGetAbsenceIsNullEnvelope(t *testing.T) {
	adapter := &apiV1{ops: &fakeOps{storageFound: false}}

	out, err := adapter.Dispatch(context.Background(), "p", bridge.KindStorageGet,
		json.RawMessage(`{"key":"missing"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if want := `{"data":null}`; string(raw) != want {
		t.Errorf("v1 absent storage response = %s, want %s", raw, want)
	}
}

func TestV2StorageGetAbsenceUsesFoundFlag(t *testing.T) {
	adapter := &apiV2{ops: &fakeOps{storageFound: false}}

	out, err := adapter.Dispatch(context.Background(), "p", bridge.KindStorageGet,
		json.RawMessage(`{"key":"missing"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	resp, ok := out.(v2StorageGetResponse)
	if !ok {
		t.Fatalf("Dispatch() returned %T, want v2StorageGetResponse", out)
	}
	if resp.Found {
		t.Error("resp.Found = true for an absent key, want false")
	}
}

func TestV1FetchUsesHref(t *testing.T) {
	ops := &fakeOps{fetchBody: []byte("payload")}
	adapter := &apiV1{ops: ops}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindFetch,
		json.RawMessage(`{"href":"https://api.itemdeck.app/cards"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ops.fetchURL != "https://api.itemdeck.app/cards" {
		t.Errorf("fetch URL = %q, want the href value", ops.fetchURL)
	}
}

func TestV1NotifyDefaultsToInfoLevel(t *testing.T) {
	ops := &fakeOps{}
	adapter := &apiV1{ops: ops}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindNotify,
		json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ops.notifyLevel != "info" {
		t.Errorf("notify level = %q, want %q", ops.notifyLevel, "info")
	}
	if ops.notifyMessage != "hello" {
		t.Errorf("notify message = %q, want %q", ops.notifyMessage, "hello")
	}
}

func TestV2NotifyPassesLevelThrough(t *testing.T) {
	ops := &fakeOps{}
	adapter := &apiV2{ops: ops}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindNotify,
		json.RawMessage(`{"level":"warning","message":"low storage"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ops.notifyLevel != "warning" {
		t.Errorf("notify level = %q, want %q", ops.notifyLevel, "warning")
	}
}

func TestResourceExtractsCollection(t *testing.T) {
	v2 := &apiV2{ops: &fakeOps{}}
	if got := v2.Resource(bridge.KindCardsRead, json.RawMessage(`{"collectionId":"col-3"}`)); got != "col-3" {
		t.Errorf("v2 Resource(cards:read) = %q, want %q", got, "col-3")
	}
	if got := v2.Resource(bridge.KindStorageGet, json.RawMessage(`{"key":"k"}`)); got != "" {
		t.Errorf("v2 Resource(storage:get) = %q, want empty", got)
	}

	v1 := &apiV1{ops: &fakeOps{}}
	if got := v1.Resource(bridge.KindCardsWrite, json.RawMessage(`{"collection":"col-3"}`)); got != "col-3" {
		t.Errorf("v1 Resource(cards:write) = %q, want %q", got, "col-3")
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	adapter := &apiV2{ops: &fakeOps{}}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindCardsRead,
		json.RawMessage(`{"collectionId":`))
	if err == nil {
		t.Error("Dispatch() error = nil for malformed payload, want error")
	}
}

func TestOperationErrorPropagates(t *testing.T) {
	wantErr := errors.New("backend offline")
	adapter := &apiV2{ops: &fakeOps{err: wantErr}}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindCardsRead,
		json.RawMessage(`{"collectionId":"c"}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Dispatch() error = %v, want %v", err, wantErr)
	}
}

func TestReadyNotDispatchable(t *testing.T) {
	adapter := &apiV2{ops: &fakeOps{}}

	_, err := adapter.Dispatch(context.Background(), "p", bridge.KindReady, nil)
	if err == nil {
		t.Error("Dispatch(ready) error = nil, want error")
	}
}
