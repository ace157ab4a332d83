// Package throttle limits how many commands a single client may send in a
// sliding time window.
package throttle

import (
	"sync"
	"time"
)

// Config holds throttle settings.
type Config struct {
	MaxCommands int           // Max commands allowed in the window; 0 disables
	Window      time.Duration // Sliding window length
}

// DefaultConfig returns sensible defaults for one console or dashboard client.
func DefaultConfig() Config {
	return Config{
		MaxCommands: 50,
		Window:      10 * time.Second,
	}
}

// ConfigFromYAML creates a Config from YAML-loaded values
func ConfigFromYAML(maxCommands, windowSeconds int) Config {
	cfg := DefaultConfig()
	cfg.MaxCommands = maxCommands
	if windowSeconds > 0 {
		cfg.Window = time.Duration(windowSeconds) * time.Second
	}
	return cfg
}

// Tracker tracks command activity for one client.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	times []time.Time // Timestamps of recent commands, oldest first
	now   func() time.Time
}

// NewTracker creates a tracker with the given config.
func NewTracker(cfg Config) *Tracker {
	capacity := cfg.MaxCommands
	if capacity < 0 {
		capacity = 0
	}
	return &Tracker{
		cfg:   cfg,
		times: make([]time.Time, 0, capacity),
		now:   time.Now,
	}
}

// Result is the outcome of Check.
type Result struct {
	Allowed bool
	Wait    time.Duration // How long until a slot frees up (if not allowed)
}

// Check records a command if the client is within its budget.
func (t *Tracker) Check() Result {
	if t.cfg.MaxCommands <= 0 {
		return Result{Allowed: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cleanup(now)

	if len(t.times) >= t.cfg.MaxCommands {
		return Result{Wait: t.times[0].Add(t.cfg.Window).Sub(now)}
	}

	t.times = append(t.times, now)
	return Result{Allowed: true}
}

// cleanup drops timestamps that left the window.
func (t *Tracker) cleanup(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	kept := t.times[:0]
	for _, ts := range t.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.times = kept
}

// Reset clears all tracking data.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = t.times[:0]
}
