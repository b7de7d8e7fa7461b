package security

import (
	"sync"
	"time"
)

// DefaultRateWindow is the trailing interval over which call frequency
// is measured.
const DefaultRateWindow = time.Minute

// Limiter bounds call frequency per (plugin, action) with a sliding
// window. Timestamps older than the window are trimmed lazily on each
// check. Windows live in memory only; a restart resets them.
type Limiter struct {
	mu sync.Mutex

	window time.Duration
	now    func() time.Time

	// Per-plugin default limit and per-action overrides, registered
	// from the plugin's trust tier restrictions. A limit of zero means
	// unlimited.
	defaults  map[string]int
	overrides map[string]map[string]int

	// Call timestamps within the trailing window.
	calls map[limiterKey][]time.Time
}

type limiterKey struct {
	pluginID string
	action   string
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock sets the time source. Intended for tests.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithWindow sets the sliding window duration.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		l.window = d
	}
}

// NewLimiter creates a sliding-window rate limiter.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		window:    DefaultRateWindow,
		now:       time.Now,
		defaults:  make(map[string]int),
		overrides: make(map[string]map[string]int),
		calls:     make(map[limiterKey][]time.Time),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Register records the plugin's per-window call ceilings. perWindow is
// the default for every action; perAction overrides individual
// actions. Zero means unlimited.
func (l *Limiter) Register(pluginID string, perWindow int, perAction map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.defaults[pluginID] = perWindow
	if len(perAction) > 0 {
		copied := make(map[string]int, len(perAction))
		for k, v := range perAction {
			copied[k] = v
		}
		l.overrides[pluginID] = copied
	} else {
		delete(l.overrides, pluginID)
	}
}

// Unregister drops the plugin's limits and windows.
func (l *Limiter) Unregister(pluginID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.defaults, pluginID)
	delete(l.overrides, pluginID)
	for key := range l.calls {
		if key.pluginID == pluginID {
			delete(l.calls, key)
		}
	}
}

// Allow reports whether a call is within the plugin's rate budget for
// the action, recording it if so. At or over the limit the call is
// rejected without being recorded.
func (l *Limiter) Allow(pluginID, action string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(pluginID, action)
	if limit <= 0 {
		return true
	}

	key := limiterKey{pluginID: pluginID, action: action}
	now := l.now()
	cutoff := now.Add(-l.window)

	window := l.calls[key]
	trimmed := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}

	if len(trimmed) >= limit {
		l.calls[key] = trimmed
		return false
	}

	l.calls[key] = append(trimmed, now)
	return true
}

// Remaining returns how many calls the plugin has left in the current
// window for the action. Unlimited actions report -1.
func (l *Limiter) Remaining(pluginID, action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(pluginID, action)
	if limit <= 0 {
		return -1
	}

	cutoff := l.now().Add(-l.window)
	used := 0
	for _, t := range l.calls[limiterKey{pluginID: pluginID, action: action}] {
		if t.After(cutoff) {
			used++
		}
	}

	if used >= limit {
		return 0
	}
	return limit - used
}

// limitFor resolves the effective limit. Must be called with mu held.
func (l *Limiter) limitFor(pluginID, action string) int {
	if perAction, ok := l.overrides[pluginID]; ok {
		if limit, ok := perAction[action]; ok {
			return limit
		}
	}
	return l.defaults[pluginID]
}
