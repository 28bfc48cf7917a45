package turn

import (
	"log/slog"
	"sync"
	"time"
)

// Silence timer defaults. The debounce window converts "no new interim for Δ"
// into an end-of-turn signal.
const (
	// DefaultDebounce is the initial silence window.
	DefaultDebounce = 400 * time.Millisecond

	// MinDebounce and MaxDebounce bound the adaptive window.
	MinDebounce = 400 * time.Millisecond
	MaxDebounce = 1200 * time.Millisecond

	// SpeechFinalOverride is the shortened window used when the STT provider's
	// own endpointing already confirmed the end of the utterance.
	SpeechFinalOverride = 100 * time.Millisecond

	// debounceTightenStep and debounceRelaxStep are the per-turn adaptation
	// increments: widen by 50 ms when cancellations are frequent, tighten by
	// 25 ms when they are rare.
	debounceRelaxStep   = 50 * time.Millisecond
	debounceTightenStep = 25 * time.Millisecond

	// lowCancellationRate is the band floor below which the window tightens.
	lowCancellationRate = 0.15
)

// SilenceTimer is a single-shot adaptive debounce timer.
//
// Start schedules exactly one delivery of the fire callback; starting again
// first revokes any pending delivery, so interim transcripts arriving during
// LISTENING keep pushing the end-of-turn decision out. After each turn the
// controller feeds the session cancellation rate back via [SilenceTimer.Adjust],
// which nudges the window toward a per-session sweet spot: too-short debounce
// produces false end-of-turn and wasted cancellations, too-long debounce
// degrades responsiveness.
//
// The fire callback runs on its own goroutine.
type SilenceTimer struct {
	log    *slog.Logger
	onFire func()

	mu         sync.Mutex
	current    time.Duration
	min        time.Duration
	max        time.Duration
	threshold  float64 // cancellation rate above which the window widens
	adaptive   bool
	timer      *time.Timer
	generation uint64 // invalidates callbacks from superseded starts
}

// NewSilenceTimer constructs a timer with the given initial window and bounds.
// Zero or negative arguments fall back to the package defaults. onFire must
// not be nil. A nil logger defaults to [slog.Default].
func NewSilenceTimer(initial, min, max time.Duration, onFire func(), log *slog.Logger) *SilenceTimer {
	if log == nil {
		log = slog.Default()
	}
	if min <= 0 {
		min = MinDebounce
	}
	if max <= 0 {
		max = MaxDebounce
	}
	if initial <= 0 {
		initial = DefaultDebounce
	}
	return &SilenceTimer{
		log:       log,
		onFire:    onFire,
		current:   clampDuration(initial, min, max),
		min:       min,
		max:       max,
		threshold: 0.30,
		adaptive:  true,
	}
}

// Start schedules the fire callback after the current debounce window,
// cancelling any pending delivery first. A positive override replaces the
// window for this start only.
func (t *SilenceTimer) Start(override time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	d := t.current
	if override > 0 {
		d = override
	}

	t.generation++
	gen := t.generation
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.generation
		t.mu.Unlock()
		if stale {
			return
		}
		t.onFire()
	})
}

// Cancel revokes a pending delivery. No callback fires afterwards.
func (t *SilenceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.generation++
}

// stopLocked stops the underlying timer. Must be called with t.mu held.
func (t *SilenceTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Adjust applies the per-turn adaptation rule for the given session
// cancellation rate: above the threshold the window widens by 50 ms, below
// 0.15 it tightens by 25 ms, in between it is left alone. The result is
// clamped to [min, max]. Adjust is a no-op while adaptation is disabled.
func (t *SilenceTimer) Adjust(cancellationRate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.adaptive {
		return
	}
	before := t.current
	switch {
	case cancellationRate > t.threshold:
		t.current = clampDuration(t.current+debounceRelaxStep, t.min, t.max)
	case cancellationRate < lowCancellationRate:
		t.current = clampDuration(t.current-debounceTightenStep, t.min, t.max)
	}
	if t.current != before {
		t.log.Debug("silence debounce adjusted",
			"cancellation_rate", cancellationRate,
			"from_ms", before.Milliseconds(),
			"to_ms", t.current.Milliseconds(),
		)
	}
}

// Current returns the present debounce window.
func (t *SilenceTimer) Current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// SetDebounce replaces the debounce window, clamped to [min, max].
// Used by live settings updates.
func (t *SilenceTimer) SetDebounce(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = clampDuration(d, t.min, t.max)
}

// SetCancellationThreshold replaces the rate above which the window widens.
func (t *SilenceTimer) SetCancellationThreshold(r float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = r
}

// SetAdaptive enables or disables the per-turn adaptation.
func (t *SilenceTimer) SetAdaptive(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adaptive = enabled
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
