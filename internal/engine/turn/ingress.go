package turn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// HandleAudioChunk routes one frame of user audio. In IDLE it opens a new
// turn; in LISTENING it accumulates; in every later state it only forwards to
// the STT session so transcript events keep arriving for barge-in detection.
func (c *Controller) HandleAudioChunk(frame types.AudioFrame) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	switch c.machine.State() {
	case StateIdle:
		c.beginTurnLocked()
		c.machine.Transition(StateListening, "speech_detected")
		c.audioFrames++
		c.audioBytes += len(frame.Data)
	case StateListening:
		c.audioFrames++
		c.audioBytes += len(frame.Data)
	default:
		// forward only: appending here would grow the buffer for the whole
		// duration of the agent's reply
	}
	c.mu.Unlock()

	if handle != nil {
		if err := handle.SendAudio(frame); err != nil {
			c.log.Warn("stt send failed", "error", err)
		}
	}
}

// HandleTextInput injects typed text as if it were a final transcript with
// confidence 1.0 whose end of speech is already confirmed.
func (c *Controller) HandleTextInput(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.onFinal(types.Transcript{
		Text:        text,
		IsFinal:     true,
		Confidence:  1.0,
		SpeechFinal: true,
	})
}

// HandleInterrupt is the explicit client-initiated stop. During SPEAKING it
// behaves exactly like a detected barge-in; in the pre-speaking states it
// abandons the turn back to IDLE.
func (c *Controller) HandleInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	switch c.machine.State() {
	case StateSpeaking:
		c.bargeInLocked("client_interrupt")
	case StateSpeculative, StateCommitted:
		c.interruptions++
		c.resetToIdle("client_interrupt")
	case StateListening:
		c.resetToIdle("client_interrupt")
	}
}

// HandlePlaybackComplete is the client's signal that the agent audio has
// finished playing. It finalises the turn and returns to IDLE.
func (c *Controller) HandlePlaybackComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.finalizePlaybackLocked("playback_complete")
}

// beginTurnLocked opens bookkeeping for a fresh turn: a new id, a clean
// trajectory, zeroed timestamps. Call before the transition that starts the
// turn. Requires c.mu.
func (c *Controller) beginTurnLocked() {
	c.machine.ResetTrajectory()
	c.turnID = uuid.NewString()
	c.turnStartedAt = time.Now()
	c.turnSealed = false
	c.speechEndAt = time.Time{}
	c.firstSentenceAt = time.Time{}
	c.firstAudioAt = time.Time{}
}

// ───────────────────────── STT receive loops ─────────────────────────

// The loops exit on either a closed provider channel or root-context
// cancellation, so Stop never depends on the adapter closing its channels.

func (c *Controller) interimLoop(ctx context.Context, ch <-chan types.Transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				c.sttStreamClosed()
				return
			}
			c.onInterim(t)
		}
	}
}

func (c *Controller) finalLoop(ctx context.Context, ch <-chan types.Transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				c.sttStreamClosed()
				return
			}
			c.onFinal(t)
		}
	}
}

func (c *Controller) eventLoop(ctx context.Context, ch <-chan stt.TurnEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				c.sttStreamClosed()
				return
			}
			c.onTurnEvent(ev)
		}
	}
}

// sttStreamClosed fires once when the STT channels close. During a normal
// Stop that is expected; otherwise the session lost its transcript source.
func (c *Controller) sttStreamClosed() {
	c.sttDead.Do(func() {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}
		err := errors.New("stt event stream closed")
		c.log.Error("stt stream closed while session active")
		c.cb.errorf(ErrCodeSTTConnection, err, true)
	})
}

// onInterim applies the per-state interim transcript policy: restart the
// silence window while listening, unwind speculative or committed work when
// the user turns out to still be talking, and barge in on SPEAKING.
func (c *Controller) onInterim(t types.Transcript) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	switch c.machine.State() {
	case StateIdle:
		// Speech reached STT before any audio was routed through us.
		c.beginTurnLocked()
		c.machine.Transition(StateListening, "speech_detected")
	case StateListening:
		// fall through to the shared tail
	case StateSpeculative:
		c.cancelSpeculativeLocked("new_speech")
	case StateCommitted:
		c.cancelCommittedLocked("new_speech")
	case StateSpeaking:
		c.bargeInLocked("user_speech")
	}
	c.buffer.AddInterim(t.Text, t.Confidence)
	c.timer.Start(0)
	c.mu.Unlock()

	c.cb.interim(t.Text, t.Confidence)
}

// onFinal applies the per-state final transcript policy. In LISTENING the
// final accumulates and speculative retrieval restarts over the combined
// text; later states first unwind to LISTENING, then do the same.
func (c *Controller) onFinal(t types.Transcript) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	switch c.machine.State() {
	case StateIdle:
		c.beginTurnLocked()
		c.machine.Transition(StateListening, "speech_detected")
	case StateListening:
		// fall through to the shared tail
	case StateSpeculative:
		c.cancelSpeculativeLocked("new_speech")
	case StateCommitted:
		c.cancelCommittedLocked("new_speech")
	case StateSpeaking:
		c.bargeInLocked("user_speech")
	}
	c.buffer.AddFinal(t.Text, t.Confidence)
	c.startRetrievalLocked(c.buffer.FinalText())
	var override time.Duration
	if t.SpeechFinal {
		override = SpeechFinalOverride
	}
	c.timer.Start(override)
	c.mu.Unlock()

	c.cb.final(t.Text, t.Confidence)
}

// onTurnEvent maps provider turn lifecycle events onto the controller's own
// debounce machinery. End-of-turn hints shorten the window rather than
// bypassing it, so SPECULATIVE is only ever entered through the silence path.
func (c *Controller) onTurnEvent(ev stt.TurnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	state := c.machine.State()
	switch ev.Type {
	case stt.TurnEventSpeechStarted:
		if state == StateSpeaking {
			c.bargeInLocked("speech_started")
		}
	case stt.TurnEventEagerEndOfTurn, stt.TurnEventEndOfTurn:
		if state == StateListening && c.buffer.FinalText() != "" {
			c.log.Debug("end-of-turn hint, shortening silence window",
				"event", ev.Type.String(),
				"turn_index", ev.TurnIndex,
			)
			c.timer.Start(SpeechFinalOverride)
		}
	case stt.TurnEventTurnResumed:
		switch state {
		case StateListening:
			c.timer.Cancel()
		case StateSpeculative:
			c.cancelSpeculativeLocked("turn_resumed")
		case StateCommitted:
			c.cancelCommittedLocked("turn_resumed")
		case StateSpeaking:
			c.bargeInLocked("turn_resumed")
		}
	}
}

// cancelSpeculativeLocked unwinds an uncommitted generation: the user kept
// talking, so the in-flight stream is abandoned, the buffer unlocks for the
// resumed speech, and the machine re-enters LISTENING. The turn itself
// continues under the same id. Requires c.mu.
func (c *Controller) cancelSpeculativeLocked(reason string) {
	if c.gen != nil {
		c.gen.abandon(CallSpeculativeCanceled)
		c.gen = nil
	}
	c.buffer.Unlock()
	c.machine.Transition(StateListening, reason)
	c.speechEndAt = time.Time{}
	c.noteCancellationLocked(true)
}

// cancelCommittedLocked unwinds a committed-but-unspoken turn: synthesis is
// cancelled, the sentence queue drained, and the machine passes through IDLE
// back to LISTENING with a cleared transcript buffer. Requires c.mu.
func (c *Controller) cancelCommittedLocked(reason string) {
	g := c.gen
	if g != nil {
		g.abandon(CallCanceled)
		c.gen = nil
	}
	c.stopTurnTimersLocked()
	if g != nil {
		drainSentences(g.sentences)
	}
	c.machine.Transition(StateIdle, reason)
	c.machine.Transition(StateListening, "speech_resumed")
	c.buffer.Clear()
	c.speechEndAt = time.Time{}
	c.firstSentenceAt = time.Time{}
	c.noteCancellationLocked(false)
}

// bargeInLocked handles the user speaking over the agent: cancel synthesis
// (the stream gets a short grace to drain), drain pending sentences, clear
// the transcript buffer, ask STT to finalise whatever the user is saying, and
// drop back to LISTENING. The interrupted turn seals immediately so the
// client learns how far the agent got. Requires c.mu.
func (c *Controller) bargeInLocked(reason string) {
	if c.machine.State() != StateSpeaking {
		return
	}
	g := c.gen
	if g != nil {
		g.abandon(CallCanceled)
	}
	c.stopTurnTimersLocked()
	if g != nil {
		drainSentences(g.sentences)
	}
	c.buffer.Clear()
	if c.handle != nil {
		if err := c.handle.FinishUtterance(); err != nil {
			c.log.Warn("finish utterance failed", "error", err)
		}
	}
	c.machine.Transition(StateListening, reason)
	c.interruptions++
	c.metrics.BargeIns.Add(context.Background(), 1)
	c.sealTurnLocked(g, true, true)
	c.gen = nil
	c.beginTurnLocked()
}

// noteCancellationLocked records one cancelled turn attempt and feeds the new
// cancellation rate into the debounce adaptation. Requires c.mu.
func (c *Controller) noteCancellationLocked(speculative bool) {
	c.cancellations++
	if speculative {
		c.metrics.SpeculativeCancellations.Add(context.Background(), 1)
	}
	c.timer.Adjust(c.cancellationRateLocked())
	c.metrics.RecordDebounce(context.Background(), c.sessionID, c.timer.Current().Milliseconds())
}
