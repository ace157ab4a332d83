// Package poller refreshes widget state from a QLC+ instance on a fixed cadence
// and tracks poll health for the degraded-state indicator.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
)

// DefaultInterval is the time between refresh cycles.
const DefaultInterval = 30 * time.Second

// Refresh failure reasons reported to observers.
const (
	ReasonAuth       = "Authentication error"
	ReasonConnection = "Connection error"
	ReasonUnknown    = "An unknown error occurred"
)

// Source is the subset of the protocol client a refresh cycle needs.
type Source interface {
	ListWidgets(ctx context.Context) ([]qlc.Widget, error)
	WidgetStatus(ctx context.Context, id string) (string, error)
}

// Store persists good snapshots and poll outcomes.
type Store interface {
	SaveSnapshot(ctx context.Context, instance string, widgets []qlc.Widget, takenAt time.Time) error
	LoadSnapshot(ctx context.Context, instance string) ([]qlc.Widget, time.Time, error)
	RecordPoll(ctx context.Context, instance string, ok bool, reason string, at time.Time) (int64, error)
}

// Observer is notified after every completed refresh cycle.
type Observer interface {
	Updated(snap Snapshot)
	Failed(instance string, err *RefreshError)
}

// Snapshot is the widget state of one instance at one point in time.
type Snapshot struct {
	Instance string       `json:"instance"`
	Widgets  []qlc.Widget `json:"widgets"`
	TakenAt  time.Time    `json:"taken_at"`
}

// Lookup returns the widget with the given id.
func (s Snapshot) Lookup(id string) (qlc.Widget, bool) {
	for _, w := range s.Widgets {
		if w.ID == id {
			return w, true
		}
	}
	return qlc.Widget{}, false
}

// RefreshError reports a failed refresh cycle.
type RefreshError struct {
	Reason string
	Err    error
}

func (e *RefreshError) Error() string {
	return e.Reason + ": " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Health summarizes recent poll outcomes.
type Health struct {
	Healthy             bool      `json:"healthy"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Poller periodically refreshes one instance.
type Poller struct {
	instance string
	source   Source
	interval time.Duration
	backoff  Backoff
	store    Store
	observer Observer
	now      func() time.Time

	mu     sync.RWMutex
	latest Snapshot
	has    bool
	health Health
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the refresh interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBackoff sets the failure backoff policy.
func WithBackoff(b Backoff) Option {
	return func(p *Poller) { p.backoff = b }
}

// WithStore persists snapshots and poll outcomes to s.
func WithStore(s Store) Option {
	return func(p *Poller) { p.store = s }
}

// WithObserver registers o for refresh notifications.
func WithObserver(o Observer) Option {
	return func(p *Poller) { p.observer = o }
}

// New creates a Poller for the named instance.
func New(instance string, source Source, opts ...Option) *Poller {
	p := &Poller{
		instance: instance,
		source:   source,
		interval: DefaultInterval,
		backoff:  DefaultBackoff(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Instance returns the name of the polled instance.
func (p *Poller) Instance() string {
	return p.instance
}

// Latest returns the last good snapshot, if any.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// Health returns the current poll health.
func (p *Poller) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Refresh runs one cycle: list widgets, then query each widget's status.
// Any failure aborts the cycle; the previous snapshot stays in place.
func (p *Poller) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := p.collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		rerr := classify(err)
		p.recordFailure(ctx, rerr)
		return Snapshot{}, rerr
	}

	p.recordSuccess(ctx, snap)
	return snap, nil
}

func (p *Poller) collect(ctx context.Context) (Snapshot, error) {
	widgets, err := p.source.ListWidgets(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	for i := range widgets {
		status, err := p.source.WidgetStatus(ctx, widgets[i].ID)
		if err != nil {
			return Snapshot{}, err
		}
		widgets[i].Status = status
	}

	return Snapshot{Instance: p.instance, Widgets: widgets, TakenAt: p.now()}, nil
}

func classify(err error) *RefreshError {
	switch {
	case errors.Is(err, qlc.ErrAuth):
		return &RefreshError{Reason: ReasonAuth, Err: err}
	case errors.Is(err, qlc.ErrConnection):
		return &RefreshError{Reason: ReasonConnection, Err: err}
	default:
		return &RefreshError{Reason: ReasonUnknown, Err: err}
	}
}

func (p *Poller) recordSuccess(ctx context.Context, snap Snapshot) {
	p.mu.Lock()
	p.latest = snap
	p.has = true
	p.health.Healthy = true
	p.health.LastSuccess = snap.TakenAt
	p.health.ConsecutiveFailures = 0
	p.mu.Unlock()

	logger.Debug("Poll cycle complete", "instance", p.instance, "widgets", len(snap.Widgets))

	if p.store != nil {
		if err := p.store.SaveSnapshot(ctx, p.instance, snap.Widgets, snap.TakenAt); err != nil {
			logger.Warning("Failed to save snapshot", "instance", p.instance, "error", err)
		}
		if _, err := p.store.RecordPoll(ctx, p.instance, true, "", snap.TakenAt); err != nil {
			logger.Warning("Failed to record poll", "instance", p.instance, "error", err)
		}
	}
	if p.observer != nil {
		p.observer.Updated(snap)
	}
}

func (p *Poller) recordFailure(ctx context.Context, rerr *RefreshError) {
	at := p.now()

	p.mu.Lock()
	p.health.Healthy = false
	p.health.LastError = rerr.Reason
	p.health.LastErrorAt = at
	p.health.ConsecutiveFailures++
	failures := p.health.ConsecutiveFailures
	p.mu.Unlock()

	if rerr.Reason == ReasonUnknown {
		logger.Error("Unexpected poll error", "instance", p.instance, "error", rerr.Err)
	} else {
		logger.Warning("Poll cycle failed", "instance", p.instance, "reason", rerr.Reason,
			"failures", failures, "error", rerr.Err)
	}

	if p.store != nil {
		if _, err := p.store.RecordPoll(ctx, p.instance, false, rerr.Reason, at); err != nil {
			logger.Warning("Failed to record poll", "instance", p.instance, "error", err)
		}
	}
	if p.observer != nil {
		p.observer.Failed(p.instance, rerr)
	}
}

// Seed loads the last persisted snapshot so Latest has data before the first cycle.
// The seeded snapshot does not mark the instance healthy.
func (p *Poller) Seed(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	widgets, takenAt, err := p.store.LoadSnapshot(ctx, p.instance)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		p.latest = Snapshot{Instance: p.instance, Widgets: widgets, TakenAt: takenAt}
		p.has = true
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is cancelled.
// Consecutive failures stretch the wait according to the backoff policy.
func (p *Poller) Run(ctx context.Context) error {
	logger.Info("Poller started", "instance", p.instance, "interval", p.interval)

	for {
		p.Refresh(ctx)

		wait := p.backoff.Delay(p.interval, p.Health().ConsecutiveFailures)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Poller stopped", "instance", p.instance)
			return ctx.Err()
		case <-timer.C:
		}
	}
}
