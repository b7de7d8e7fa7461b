// Package hostops is the host's internal operation surface: the set of
// operations version adapters translate plugin requests onto. The
// shapes here are free to evolve between releases; only the adapters
// track them.
package hostops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// Operation errors.
var (
	// ErrCollectionNotFound is returned for reads of unknown collections.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrStorageQuota is returned when a write would exceed the
	// plugin's storage quota.
	ErrStorageQuota = errors.New("storage quota exceeded")

	// ErrNetworkDenied is returned when the plugin's tier forbids
	// network access or the target domain is not allowed.
	ErrNetworkDenied = errors.New("network access denied")

	// ErrPluginUnknown is returned for operations by a plugin that was
	// never registered with the service.
	ErrPluginUnknown = errors.New("plugin not registered with host operations")
)

// Card is one item in a collection.
type Card struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	Tags  []string          `json:"tags,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Ops is the current internal operation set.
type Ops interface {
	// ReadCards returns the cards of a collection.
	ReadCards(ctx context.Context, collectionID string) ([]Card, error)

	// WriteCard adds or replaces a card in a collection.
	WriteCard(ctx context.Context, collectionID string, card Card) error

	// StorageGet reads a value from the plugin's own storage.
	StorageGet(ctx context.Context, pluginID, key string) ([]byte, bool, error)

	// StoragePut writes a value to the plugin's own storage, enforcing
	// the plugin's quota.
	StoragePut(ctx context.Context, pluginID, key string, value []byte) error

	// Fetch retrieves a remote resource, enforcing the plugin's
	// network restrictions.
	Fetch(ctx context.Context, pluginID, rawURL string) ([]byte, error)

	// Notify shows a user-facing notification on the plugin's behalf.
	Notify(ctx context.Context, pluginID, level, message string) error

	// SettingsGet reads a host settings value.
	SettingsGet(ctx context.Context, key string) (string, bool, error)

	// SettingsSet writes a host settings value.
	SettingsSet(ctx context.Context, key, value string) error
}

// FetchFunc performs the actual network retrieval for Fetch.
type FetchFunc func(ctx context.Context, rawURL string) ([]byte, error)

// NotifyFunc receives notifications for display.
type NotifyFunc func(pluginID, level, message string)

// Service is the in-memory Ops implementation.
type Service struct {
	mu sync.RWMutex

	log *slog.Logger

	collections map[string]map[string]Card
	cardOrder   map[string][]string

	// Per-plugin storage, quota, and network policy, registered from
	// tier restrictions at load time.
	storage    map[string]map[string][]byte
	quota      map[string]int64
	persistent map[string]bool
	network    map[string]networkPolicy

	settings map[string]string

	fetch  FetchFunc
	notify NotifyFunc
}

type networkPolicy struct {
	allowed bool
	domains []string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFetchFunc sets the network retrieval function.
func WithFetchFunc(fn FetchFunc) ServiceOption {
	return func(s *Service) {
		s.fetch = fn
	}
}

// WithNotifyFunc sets the notification sink.
func WithNotifyFunc(fn NotifyFunc) ServiceOption {
	return func(s *Service) {
		s.notify = fn
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

// NewService creates the host operation service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		log:         slog.Default(),
		collections: make(map[string]map[string]Card),
		cardOrder:   make(map[string][]string),
		storage:     make(map[string]map[string][]byte),
		quota:       make(map[string]int64),
		persistent:  make(map[string]bool),
		network:     make(map[string]networkPolicy),
		settings:    make(map[string]string),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.fetch == nil {
		s.fetch = httpFetch
	}
	if s.notify == nil {
		s.notify = func(pluginID, level, message string) {
			s.log.Info("plugin notification", "plugin", pluginID, "level", level, "message", message)
		}
	}

	return s
}

// RegisterPlugin records the plugin's storage quota and network policy
// from its tier restrictions.
func (s *Service) RegisterPlugin(pluginID string, r trust.Restrictions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quota[pluginID] = r.MaxStorageBytes
	s.persistent[pluginID] = r.AllowPersistentWrite
	s.network[pluginID] = networkPolicy{allowed: r.AllowNetwork, domains: r.AllowedDomains}
	if _, ok := s.storage[pluginID]; !ok {
		s.storage[pluginID] = make(map[string][]byte)
	}
}

// UnregisterPlugin forgets the plugin. Storage is dropped unless the
// plugin's tier allows persistent writes.
func (s *Service) UnregisterPlugin(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.persistent[pluginID] {
		delete(s.storage, pluginID)
	}
	delete(s.quota, pluginID)
	delete(s.persistent, pluginID)
	delete(s.network, pluginID)
}

// AddCollection seeds a collection with cards, replacing any existing
// content.
func (s *Service) AddCollection(collectionID string, cards []Card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]Card, len(cards))
	order := make([]string, 0, len(cards))
	for _, c := range cards {
		if _, ok := byID[c.ID]; !ok {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}
	s.collections[collectionID] = byID
	s.cardOrder[collectionID] = order
}

// ReadCards returns the collection's cards in insertion order.
func (s *Service) ReadCards(_ context.Context, collectionID string) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
	}

	cards := make([]Card, 0, len(byID))
	for _, id := range s.cardOrder[collectionID] {
		cards = append(cards, byID[id])
	}
	return cards, nil
}

// WriteCard adds or replaces a card in the collection.
func (s *Service) WriteCard(_ context.Context, collectionID string, card Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.collections[collectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
	}
	if _, exists := byID[card.ID]; !exists {
		s.cardOrder[collectionID] = append(s.cardOrder[collectionID], card.ID)
	}
	byID[card.ID] = card
	return nil
}

// StorageGet reads from the plugin's storage.
func (s *Service) StorageGet(_ context.Context, pluginID, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	store, ok := s.storage[pluginID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrPluginUnknown, pluginID)
	}
	value, found := store[key]
	return value, found, nil
}

// StoragePut writes to the plugin's storage within its quota. The
// quota covers the total bytes of all keys and values.
func (s *Service) StoragePut(_ context.Context, pluginID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, ok := s.storage[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginUnknown, pluginID)
	}

	if quota := s.quota[pluginID]; quota > 0 {
		var used int64
		for k, v := range store {
			if k == key {
				continue
			}
			used += int64(len(k)) + int64(len(v))
		}
		if used+int64(len(key))+int64(len(value)) > quota {
			return fmt.Errorf("%w: %d bytes", ErrStorageQuota, quota)
		}
	}

	store[key] = value
	return nil
}

// Fetch retrieves a remote resource if the plugin's tier allows
// network access to the target domain.
func (s *Service) Fetch(ctx context.Context, pluginID, rawURL string) ([]byte, error) {
	s.mu.RLock()
	policy, ok := s.network[pluginID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginUnknown, pluginID)
	}
	if !policy.allowed {
		return nil, fmt.Errorf("%w: tier forbids network access", ErrNetworkDenied)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(policy.domains) > 0 && !domainAllowed(u.Hostname(), policy.domains) {
		return nil, fmt.Errorf("%w: domain %q not allowed", ErrNetworkDenied, u.Hostname())
	}

	return s.fetch(ctx, rawURL)
}

// Notify forwards a notification to the sink.
func (s *Service) Notify(_ context.Context, pluginID, level, message string) error {
	s.notify(pluginID, level, message)
	return nil
}

// SettingsGet reads a host settings value.
func (s *Service) SettingsGet(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	return value, ok, nil
}

// SettingsSet writes a host settings value.
func (s *Service) SettingsSet(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// StorageUsed returns the plugin's current storage footprint in bytes.
func (s *Service) StorageUsed(pluginID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used int64
	for k, v := range s.storage[pluginID] {
		used += int64(len(k)) + int64(len(v))
	}
	return used
}

// domainAllowed checks a hostname against allowed patterns
// (case-insensitive, "*.example.com" wildcards).
func domainAllowed(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if host == pattern {
			return true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

// httpFetch is the default FetchFunc.
func httpFetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
