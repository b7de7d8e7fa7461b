// Package trust classifies plugin provenance into trust tiers and maps
// each tier to a fixed set of resource and permission ceilings.
package trust

import (
	"time"

	"github.com/itemdeck/itemdeck/internal/plugin/security"
)

// Provenance records where a plugin's code came from. It is determined
// by the host (which directory or channel delivered the code), never
// by the plugin itself.
type Provenance int

const (
	// ProvenanceBundled - shipped with the host application.
	ProvenanceBundled Provenance = iota

	// ProvenanceRegistry - fetched from the operator-controlled
	// registry with integrity verification.
	ProvenanceRegistry

	// ProvenanceUser - supplied by the user from an arbitrary location.
	ProvenanceUser
)

// String returns the provenance name.
func (p Provenance) String() string {
	switch p {
	case ProvenanceBundled:
		return "bundled"
	case ProvenanceRegistry:
		return "registry"
	case ProvenanceUser:
		return "user"
	default:
		return "unknown"
	}
}

// Source identifies a plugin's code location and provenance.
type Source struct {
	// Provenance is the delivery channel, the sole input to tier
	// classification.
	Provenance Provenance

	// Location is the plugin directory on disk.
	Location string
}

// Tier is a plugin's trust classification.
type Tier int

const (
	// TierBuiltin - bundled with the host, unrestricted.
	TierBuiltin Tier = iota

	// TierCurated - registry-verified, moderately bounded.
	TierCurated

	// TierCommunity - user-supplied, maximally bounded.
	TierCommunity
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierBuiltin:
		return "builtin"
	case TierCurated:
		return "curated"
	case TierCommunity:
		return "community"
	default:
		return "unknown"
	}
}

// Classify maps a plugin source to its trust tier. Classification
// depends only on provenance; manifest content is never consulted, so
// a plugin cannot claim its own trust level. Unknown provenance falls
// through to the most restricted tier.
func Classify(src Source) Tier {
	switch src.Provenance {
	case ProvenanceBundled:
		return TierBuiltin
	case ProvenanceRegistry:
		return TierCurated
	case ProvenanceUser:
		return TierCommunity
	default:
		return TierCommunity
	}
}

// Restrictions are the fixed ceilings a tier imposes. They are looked
// up, never merged or weakened per plugin instance.
type Restrictions struct {
	// MaxCallsPerMinute is the default per-action call ceiling within
	// the rate window. Zero means unlimited.
	MaxCallsPerMinute int

	// ActionLimits overrides MaxCallsPerMinute for specific actions.
	ActionLimits map[string]int

	// MaxStorageBytes caps the plugin's key-value storage. Zero means
	// unlimited.
	MaxStorageBytes int64

	// AllowNetwork permits network fetches at all.
	AllowNetwork bool

	// AllowedDomains lists the hosts fetches may target. Supports
	// "*.example.com" wildcards. Empty with AllowNetwork=true means
	// any domain.
	AllowedDomains []string

	// AllowPersistentWrite permits the plugin's storage to survive
	// deactivation.
	AllowPersistentWrite bool

	// Grantable is the set of actions capabilities may be issued for.
	Grantable []security.Action

	// ExecutionTimeout bounds a single plugin call inside the sandbox.
	ExecutionTimeout time.Duration

	// InstructionLimit bounds instructions per sandbox execution.
	InstructionLimit int64
}

// DefaultRestrictionsTable returns the standard tier restriction
// table. Builtin is unrestricted, curated moderately bounded,
// community maximally bounded: no network, no persistent writes, the
// smallest storage quota, and the lowest rate limits.
func DefaultRestrictionsTable() map[Tier]Restrictions {
	return map[Tier]Restrictions{
		TierBuiltin: {
			MaxCallsPerMinute:    0, // unlimited
			MaxStorageBytes:      0, // unlimited
			AllowNetwork:         true,
			AllowPersistentWrite: true,
			Grantable:            security.AllActions(),
			ExecutionTimeout:     30 * time.Second,
			InstructionLimit:     100_000_000,
		},
		TierCurated: {
			MaxCallsPerMinute: 120,
			ActionLimits: map[string]int{
				string(security.ActionNetworkFetch): 30,
				string(security.ActionCardsWrite):   60,
			},
			MaxStorageBytes:      5 * 1024 * 1024, // 5 MB
			AllowNetwork:         true,
			AllowedDomains:       []string{"*.itemdeck.app"},
			AllowPersistentWrite: true,
			Grantable: []security.Action{
				security.ActionCardsRead,
				security.ActionCardsWrite,
				security.ActionStorageRead,
				security.ActionStorageWrite,
				security.ActionNetworkFetch,
				security.ActionUINotify,
				security.ActionSettingsRead,
			},
			ExecutionTimeout: 5 * time.Second,
			InstructionLimit: 10_000_000,
		},
		TierCommunity: {
			MaxCallsPerMinute: 30,
			ActionLimits: map[string]int{
				string(security.ActionCardsWrite): 10,
			},
			MaxStorageBytes:      256 * 1024, // 256 KB
			AllowNetwork:         false,
			AllowPersistentWrite: false,
			Grantable: []security.Action{
				security.ActionCardsRead,
				security.ActionStorageRead,
				security.ActionStorageWrite,
				security.ActionUINotify,
				security.ActionSettingsRead,
			},
			ExecutionTimeout: 2 * time.Second,
			InstructionLimit: 1_000_000,
		},
	}
}

// Policy resolves tiers to restrictions from a table fixed at
// construction. The table is injected rather than ambient so tests and
// multiple runtimes can carry independent policies.
type Policy struct {
	restrictions map[Tier]Restrictions
}

// NewPolicy creates a policy from the given table. A nil table uses
// DefaultRestrictionsTable.
func NewPolicy(table map[Tier]Restrictions) *Policy {
	if table == nil {
		table = DefaultRestrictionsTable()
	}
	return &Policy{restrictions: table}
}

// RestrictionsFor returns the tier's restrictions by value. Unknown
// tiers get the community ceilings.
func (p *Policy) RestrictionsFor(tier Tier) Restrictions {
	if r, ok := p.restrictions[tier]; ok {
		return r
	}
	return p.restrictions[TierCommunity]
}

// Permits reports whether the tier allows granting the action.
func (r Restrictions) Permits(a security.Action) bool {
	for _, g := range r.Grantable {
		if g == a {
			return true
		}
	}
	return false
}

// LimitFor returns the effective per-window call limit for an action.
func (r Restrictions) LimitFor(action string) int {
	if limit, ok := r.ActionLimits[action]; ok {
		return limit
	}
	return r.MaxCallsPerMinute
}
