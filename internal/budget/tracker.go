package budget

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/resilience"
)

// Tracker gates stage execution on a spend ceiling per billing window.
// It is the explicit budget provider shared by all jobs: the ceiling check
// and spend recording share one mutex, so concurrent stages see a
// consistent view and the ceiling cannot be raced past.
type Tracker struct {
	mu      sync.Mutex
	spend   map[time.Time]float64
	ceiling float64
	window  time.Duration
	now     func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source. Used by tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithWindow overrides the billing window length (default 1h).
func WithWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.window = d }
}

// NewTracker creates a Tracker with the given spend ceiling in USD per
// window. A ceiling of 0 disables gating.
func NewTracker(ceiling float64, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		spend:   make(map[time.Time]float64),
		ceiling: ceiling,
		window:  time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// windowStart returns the UTC start of the current billing window.
func (t *Tracker) windowStart() time.Time {
	return t.now().UTC().Truncate(t.window)
}

// Authorize checks whether a stage expected to cost estimate may run now.
// Returns a QuotaError when cumulative spend plus the estimate meets or
// exceeds the ceiling. Callers check before every attempt, including
// retries.
func (t *Tracker) Authorize(estimate float64) error {
	if t.ceiling <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windowStart()
	spent := t.spend[w]
	if spent+estimate >= t.ceiling {
		return &resilience.QuotaError{Window: w, Spent: spent, Ceiling: t.ceiling}
	}
	return nil
}

// Record adds actual spend to the current window.
func (t *Tracker) Record(amount float64) {
	if amount <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windowStart()
	t.spend[w] += amount

	// Drop windows older than the previous one to keep the map bounded.
	for k := range t.spend {
		if k.Before(w.Add(-t.window)) {
			delete(t.spend, k)
		}
	}

	if t.ceiling > 0 && t.spend[w] >= t.ceiling {
		zap.L().Warn("budget: window ceiling reached",
			zap.Time("window", w),
			zap.Float64("spent", t.spend[w]),
			zap.Float64("ceiling", t.ceiling),
		)
	}
}

// Remaining returns the unspent budget in the current window. Disabled
// trackers report the ceiling value 0 with full headroom semantics handled
// by Authorize.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ceiling <= 0 {
		return 0
	}
	rem := t.ceiling - t.spend[t.windowStart()]
	if rem < 0 {
		return 0
	}
	return rem
}

// Spent returns the spend recorded in the current window.
func (t *Tracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spend[t.windowStart()]
}
