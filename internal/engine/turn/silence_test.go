package turn_test

import (
	"testing"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/engine/turn"
)

func TestSilenceTimerFiresOnce(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 4)
	st := turn.NewSilenceTimer(20*time.Millisecond, 10*time.Millisecond, 200*time.Millisecond,
		func() { fired <- struct{}{} }, nil)

	st.Start(0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("timer fired more than once per start")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSilenceTimerRestartSupersedes(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 4)
	st := turn.NewSilenceTimer(60*time.Millisecond, 10*time.Millisecond, 500*time.Millisecond,
		func() { fired <- struct{}{} }, nil)

	// Restart twice in quick succession; only the last schedule may deliver.
	st.Start(0)
	time.Sleep(20 * time.Millisecond)
	st.Start(0)
	time.Sleep(20 * time.Millisecond)
	st.Start(0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("superseded start still delivered")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSilenceTimerCancel(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	st := turn.NewSilenceTimer(30*time.Millisecond, 10*time.Millisecond, 200*time.Millisecond,
		func() { fired <- struct{}{} }, nil)

	st.Start(0)
	st.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestSilenceTimerOverride(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	st := turn.NewSilenceTimer(300*time.Millisecond, 10*time.Millisecond, 500*time.Millisecond,
		func() { fired <- struct{}{} }, nil)

	start := time.Now()
	st.Start(20 * time.Millisecond)

	select {
	case <-fired:
		if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
			t.Errorf("override ignored: fired after %v, window was 20ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSilenceTimerAdjust(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		initial time.Duration
		rate    float64
		want    time.Duration
	}{
		{"widens above threshold", 500 * time.Millisecond, 0.4, 550 * time.Millisecond},
		{"tightens below band", 500 * time.Millisecond, 0.1, 475 * time.Millisecond},
		{"unchanged in band", 500 * time.Millisecond, 0.2, 500 * time.Millisecond},
		{"clamped at max", 1190 * time.Millisecond, 0.5, 1200 * time.Millisecond},
		{"clamped at min", 410 * time.Millisecond, 0.0, 400 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := turn.NewSilenceTimer(tc.initial, 0, 0, func() {}, nil)
			st.Adjust(tc.rate)
			if got := st.Current(); got != tc.want {
				t.Errorf("Adjust(%v): current = %v, want %v", tc.rate, got, tc.want)
			}
		})
	}
}

func TestSilenceTimerAdjustIdempotentInBand(t *testing.T) {
	t.Parallel()

	st := turn.NewSilenceTimer(600*time.Millisecond, 0, 0, func() {}, nil)
	st.Adjust(0.2)
	st.Adjust(0.2)
	if got := st.Current(); got != 600*time.Millisecond {
		t.Errorf("current = %v after two in-band adjusts, want 600ms", got)
	}
}

func TestSilenceTimerTighteningClampsAtMin(t *testing.T) {
	t.Parallel()

	// Twelve clean turns from 500 ms would reach 200 ms unbounded; the min
	// bound stops the window at 400 ms.
	st := turn.NewSilenceTimer(500*time.Millisecond, 0, 0, func() {}, nil)
	for range 12 {
		st.Adjust(0)
	}
	if got := st.Current(); got != 400*time.Millisecond {
		t.Errorf("current = %v after 12 clean turns, want clamped 400ms", got)
	}
}

func TestSilenceTimerAdjustDisabled(t *testing.T) {
	t.Parallel()

	st := turn.NewSilenceTimer(500*time.Millisecond, 0, 0, func() {}, nil)
	st.SetAdaptive(false)
	st.Adjust(0.9)
	st.Adjust(0.0)
	if got := st.Current(); got != 500*time.Millisecond {
		t.Errorf("current = %v with adaptation disabled, want unchanged 500ms", got)
	}
}

func TestSilenceTimerSetDebounceClamps(t *testing.T) {
	t.Parallel()

	st := turn.NewSilenceTimer(500*time.Millisecond, 0, 0, func() {}, nil)
	st.SetDebounce(5 * time.Second)
	if got := st.Current(); got != 1200*time.Millisecond {
		t.Errorf("SetDebounce(5s): current = %v, want clamped 1200ms", got)
	}
	st.SetDebounce(time.Millisecond)
	if got := st.Current(); got != 400*time.Millisecond {
		t.Errorf("SetDebounce(1ms): current = %v, want clamped 400ms", got)
	}
}

func TestSilenceTimerCustomThreshold(t *testing.T) {
	t.Parallel()

	st := turn.NewSilenceTimer(500*time.Millisecond, 0, 0, func() {}, nil)
	st.SetCancellationThreshold(0.5)
	st.Adjust(0.4) // above default 0.30 but below the new threshold, in band
	if got := st.Current(); got != 500*time.Millisecond {
		t.Errorf("current = %v, want 500ms (0.4 is in band for threshold 0.5)", got)
	}
	st.Adjust(0.6)
	if got := st.Current(); got != 550*time.Millisecond {
		t.Errorf("current = %v, want 550ms after exceeding custom threshold", got)
	}
}
