package turn

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// runSynthesis consumes the generation's sentence queue into the TTS stream
// and forwards audio upward. Started when the first sentence commits the
// turn; exits when the audio stream drains or the generation is superseded.
func (c *Controller) runSynthesis(g *generation) {
	c.mu.Lock()
	if c.gen != g || !c.running {
		c.mu.Unlock()
		return
	}
	// The reply is underway: user audio counted so far belongs to the
	// utterance being answered, not to the next turn.
	c.audioFrames = 0
	c.audioBytes = 0
	voice := c.voice
	c.mu.Unlock()

	synthCtx, cancel := context.WithTimeout(g.ctx, synthesisTimeout)
	defer cancel()

	textCh := make(chan string)
	audioCh, err := c.ttsProvider.SynthesizeStream(synthCtx, textCh, voice)
	if err != nil {
		c.synthesisFailed(g, ErrCodeTTSConnection, fmt.Errorf("tts stream: %w", err))
		return
	}

	// Feeder: dequeue sentences until the terminator, then close the text
	// stream so the provider can flush its tail audio.
	go func() {
		defer close(textCh)
		for {
			select {
			case <-synthCtx.Done():
				return
			case s, ok := <-g.sentences:
				if !ok || s.IsFinal {
					return
				}
				select {
				case textCh <- s.Text:
				case <-synthCtx.Done():
					return
				}
			}
		}
	}()

	chunks := 0
	for audio := range audioCh {
		if !c.emitAudioChunk(g, audio, chunks) {
			c.drainAudio(audioCh)
			return
		}
		chunks++
	}

	if err := synthCtx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && g.ctx.Err() == nil {
			c.synthesisFailed(g, ErrCodeSynthesisTimeout,
				fmt.Errorf("synthesis exceeded %s", synthesisTimeout))
		}
		// Otherwise the generation was cancelled; the cancel path owns the
		// state machine.
		return
	}
	c.completeSynthesis(g, chunks)
}

// emitAudioChunk forwards one audio chunk to the transport. Emission happens
// under c.mu after re-validating the generation, so no chunk can race past a
// barge-in or cancellation. The first chunk moves the turn to SPEAKING and
// arms the watchdog.
func (c *Controller) emitAudioChunk(g *generation, chunk []byte, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != g || !c.running {
		return false
	}
	if index == 0 {
		if !c.machine.Transition(StateSpeaking, "first_audio") {
			return false
		}
		now := time.Now()
		c.firstAudioAt = now
		if !c.speechEndAt.IsZero() {
			latency := now.Sub(c.speechEndAt)
			c.lastLatencyMS = latency.Milliseconds()
			c.metrics.TurnLatency.Record(context.Background(), latency.Seconds())
		}
		if !c.firstSentenceAt.IsZero() {
			c.metrics.TTSFirstAudio.Record(context.Background(), now.Sub(c.firstSentenceAt).Seconds())
		}
		c.armWatchdogLocked(g)
	}
	c.cb.agentAudio(chunk, index, false)
	return true
}

// drainAudio lets an abandoned synthesis stream flush briefly so the
// provider goroutine can exit cleanly instead of blocking on a full channel.
func (c *Controller) drainAudio(ch <-chan []byte) {
	deadline := time.After(cancelGrace)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

// completeSynthesis runs after the audio stream drained normally: emit the
// final marker, seal the turn, and wait for the client's playback
// acknowledgement before returning to IDLE.
func (c *Controller) completeSynthesis(g *generation, chunks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != g || !c.running {
		return
	}
	c.cb.agentAudio(nil, chunks, true)
	c.sealTurnLocked(g, false, true)
	if chunks == 0 {
		// The provider produced no audio; there is nothing for the client to
		// play, so the turn ends here as text-only.
		c.log.Warn("synthesis produced no audio, completing text-only")
		c.resetToIdle("no_audio")
		return
	}
	c.armPlaybackTimeoutLocked(g)
}

// synthesisFailed handles a TTS stream that could not deliver the reply:
// seal the turn text-only so the exchange is not lost, then reset.
func (c *Controller) synthesisFailed(g *generation, code string, err error) {
	c.log.Error("synthesis failed", "code", code, "error", err)
	g.abandon(CallFailed)
	c.mu.Lock()
	if c.gen == g {
		c.sealTurnLocked(g, false, true)
		c.resetToIdle(code)
	}
	c.mu.Unlock()
	c.cb.errorf(code, err, true)
}

// armWatchdogLocked starts the stuck-in-SPEAKING watchdog. It stays armed
// until playback finalises; firing force-resets the session to a recoverable
// state. Requires c.mu.
func (c *Controller) armWatchdogLocked(g *generation) {
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
	}
	c.watchdogTimer = time.AfterFunc(speakingWatchdogTimeout, func() {
		c.mu.Lock()
		if !c.running || c.gen != g || c.machine.State() != StateSpeaking {
			c.mu.Unlock()
			return
		}
		c.log.Error("speaking watchdog fired, forcing reset")
		c.resetToIdle("speaking_watchdog")
		c.mu.Unlock()
		c.cb.errorf(ErrCodeSpeakingWatchdog, errors.New("agent stuck in SPEAKING state"), true)
	})
}

// armPlaybackTimeoutLocked bounds the wait for the client's playback-complete
// signal after a sealed turn. Requires c.mu.
func (c *Controller) armPlaybackTimeoutLocked(g *generation) {
	if c.playbackTimer != nil {
		c.playbackTimer.Stop()
	}
	c.playbackTimer = time.AfterFunc(playbackAckTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running || c.gen != g {
			return
		}
		c.log.Warn("playback acknowledgement timed out")
		c.finalizePlaybackLocked("playback_timeout")
	})
}

// sealTurnLocked makes the turn durable exactly once: record, history,
// counters, persistence, debounce adaptation, and the turn-complete callback.
// Repeat seal attempts for the same turn only re-emit the stored record with
// notify=false, so transports never resend it. Requires c.mu.
func (c *Controller) sealTurnLocked(g *generation, interrupted, notify bool) {
	if c.turnSealed {
		c.cb.turnComplete(c.lastTurn, false)
		return
	}
	now := time.Now()
	rec := TurnRecord{
		TurnID:         c.turnID,
		SessionID:      c.sessionID,
		Trajectory:     c.machine.Trajectory(),
		StartedAt:      c.turnStartedAt,
		CompletedAt:    now,
		WasInterrupted: interrupted,
	}
	if !c.turnStartedAt.IsZero() {
		rec.DurationMS = now.Sub(c.turnStartedAt).Milliseconds()
	}
	if !c.firstAudioAt.IsZero() && !c.speechEndAt.IsZero() {
		rec.LatencyMS = c.firstAudioAt.Sub(c.speechEndAt).Milliseconds()
	}
	if g != nil {
		rec.UserText = g.userText
		rec.AgentText = g.deliveredText()
		rec.AvgConfidence = g.avgConf
	}

	c.lastTurn = rec
	c.turnSealed = true
	c.totalTurns++
	c.history.AppendExchange(rec.UserText, rec.AgentText)

	outcome := "completed"
	if interrupted {
		outcome = "canceled"
	}
	c.metrics.RecordTurn(context.Background(), outcome)

	if c.sink != nil {
		sink := c.sink
		log := c.log
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := sink.SealTurn(pctx, rec); err != nil {
				log.Warn("turn persistence failed", "turn_id", rec.TurnID, "error", err)
			}
		}()
	}

	c.timer.Adjust(c.cancellationRateLocked())
	c.metrics.RecordDebounce(context.Background(), c.sessionID, c.timer.Current().Milliseconds())

	c.log.Info("turn complete",
		"turn_id", rec.TurnID,
		"interrupted", interrupted,
		"latency_ms", rec.LatencyMS,
		"duration_ms", rec.DurationMS,
	)
	c.cb.turnComplete(rec, notify)
}

// finalizePlaybackLocked ends a sealed turn once the client finished (or
// failed to acknowledge) playback: SPEAKING → IDLE and fresh bookkeeping for
// the next turn. The sealed record is re-emitted with notify=false.
// Requires c.mu.
func (c *Controller) finalizePlaybackLocked(reason string) {
	if c.machine.State() != StateSpeaking || !c.turnSealed {
		c.log.Debug("playback signal ignored", "state", c.machine.State().String(), "reason", reason)
		return
	}
	rec := c.lastTurn
	c.resetToIdle(reason)
	c.cb.turnComplete(rec, false)
}
