package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapabilityTTL is the lifetime of a capability from issuance.
const DefaultCapabilityTTL = 24 * time.Hour

// Capability manager errors.
var (
	// ErrPluginNotRegistered is returned when granting to a plugin the
	// manager has no grantable set for.
	ErrPluginNotRegistered = errors.New("plugin is not registered with the capability manager")

	// ErrActionNotGrantable is returned when the requested action is
	// outside the plugin's tier-permitted set.
	ErrActionNotGrantable = errors.New("action is not grantable under the plugin's trust tier")
)

// Scope restricts a capability to a specific resource. A zero scope
// covers every resource of the capability's action class.
type Scope struct {
	// CollectionID limits card operations to a single collection.
	CollectionID string `json:"collectionId,omitempty"`
}

// IsZero returns true if the scope places no restriction.
func (s Scope) IsZero() bool {
	return s.CollectionID == ""
}

// Covers returns true if the scope permits an operation on resource.
// An unscoped capability covers everything.
func (s Scope) Covers(resource string) bool {
	if s.IsZero() {
		return true
	}
	return s.CollectionID == resource
}

// Capability is a signed, time-limited grant authorising one plugin to
// perform one class of action. The signature binds the capability to
// the plugin it was issued to; moving it to another plugin id makes
// verification fail.
type Capability struct {
	ID        string    `json:"id"`
	Type      Action    `json:"type"`
	Scope     Scope     `json:"scope"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Signature []byte    `json:"signature"`
}

// Expired returns true if the capability is past its expiry at now.
func (c *Capability) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Manager issues, verifies, and revokes capabilities. It owns the
// host-held signing secret; the secret is never exposed to plugin
// code, so a capability forged or mutated inside the sandbox fails
// verification.
type Manager struct {
	mu sync.RWMutex

	secret []byte
	ttl    time.Duration
	now    func() time.Time

	// Tier-permitted actions per plugin, set at registration.
	grantable map[string]map[Action]bool

	// Live capabilities per plugin.
	caps map[string][]*Capability
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSecret sets the signing secret. Intended for tests; by default a
// random secret is generated per manager.
func WithSecret(secret []byte) ManagerOption {
	return func(m *Manager) {
		m.secret = secret
	}
}

// WithTTL sets the capability lifetime.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a capability manager with a fresh random secret.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		ttl:       DefaultCapabilityTTL,
		now:       time.Now,
		grantable: make(map[string]map[Action]bool),
		caps:      make(map[string][]*Capability),
	}

	for _, opt := range opts {
		opt(m)
	}

	if len(m.secret) == 0 {
		m.secret = make([]byte, 32)
		if _, err := rand.Read(m.secret); err != nil {
			panic(fmt.Sprintf("security: cannot generate capability secret: %v", err))
		}
	}

	return m
}

// Register records the set of actions grantable to a plugin. The set
// comes from the plugin's trust tier and is fixed for the lifetime of
// the registration; re-registering replaces it.
func (m *Manager) Register(pluginID string, actions []Action) {
	set := make(map[Action]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantable[pluginID] = set
}

// Unregister revokes all capabilities for a plugin and forgets its
// grantable set. Used on deactivation and uninstall.
func (m *Manager) Unregister(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grantable, pluginID)
	delete(m.caps, pluginID)
}

// Grant creates and signs a capability for the plugin. It fails if the
// action is outside the plugin's registered grantable set.
func (m *Manager) Grant(pluginID string, typ Action, scope Scope) (*Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grantable[pluginID]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", pluginID, ErrPluginNotRegistered)
	}
	if !set[typ] {
		return nil, fmt.Errorf("plugin %q, action %q: %w", pluginID, typ, ErrActionNotGrantable)
	}

	now := m.now()
	cap := &Capability{
		ID:        uuid.New().String(),
		Type:      typ,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	cap.Signature = m.sign(pluginID, cap)

	m.caps[pluginID] = append(m.caps[pluginID], cap)
	return cap, nil
}

// Check reports whether the plugin holds a live capability authorising
// the action on the resource. Expired capabilities found during the
// scan are evicted. A capability counts only if its signature verifies
// against the plugin id, its type matches, and its scope covers the
// resource.
func (m *Manager) Check(pluginID string, typ Action, resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	caps, ok := m.caps[pluginID]
	if !ok {
		return false
	}

	now := m.now()
	live := caps[:0]
	matched := false
	for _, c := range caps {
		if c.Expired(now) {
			continue // evict lazily
		}
		live = append(live, c)
		if matched {
			continue
		}
		if c.Type != typ {
			continue
		}
		if !hmac.Equal(c.Signature, m.sign(pluginID, c)) {
			continue
		}
		if !c.Scope.Covers(resource) {
			continue
		}
		matched = true
	}
	m.caps[pluginID] = live

	return matched
}

// Revoke removes all capabilities for a plugin.
func (m *Manager) Revoke(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caps, pluginID)
}

// RevokeCapability removes one capability by id. Returns true if it
// was present.
func (m *Manager) RevokeCapability(pluginID, capabilityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	caps := m.caps[pluginID]
	for i, c := range caps {
		if c.ID == capabilityID {
			m.caps[pluginID] = append(caps[:i], caps[i+1:]...)
			return true
		}
	}
	return false
}

// Capabilities returns copies of the plugin's live capabilities.
func (m *Manager) Capabilities(pluginID string) []Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()

	caps := make([]Capability, 0, len(m.caps[pluginID]))
	for _, c := range m.caps[pluginID] {
		caps = append(caps, *c)
	}
	return caps
}

// Grantable returns the plugin's registered grantable actions.
func (m *Manager) Grantable(pluginID string) []Action {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actions := make([]Action, 0, len(m.grantable[pluginID]))
	for a := range m.grantable[pluginID] {
		actions = append(actions, a)
	}
	return actions
}

// sign computes the HMAC-SHA256 tag over the capability's fields plus
// the owning plugin id.
func (m *Manager) sign(pluginID string, c *Capability) []byte {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%s", c.ID, c.Type, c.Scope.CollectionID, c.ExpiresAt.Unix(), pluginID)
	return mac.Sum(nil)
}
