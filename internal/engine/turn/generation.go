package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// persistTimeout bounds the background writes of turn and call records.
const persistTimeout = 5 * time.Second

// retrievalTask is one speculative retrieval in flight. results is written
// once, before done closes.
type retrievalTask struct {
	cancelFn context.CancelFunc
	done     chan struct{}
	results  []rag.Result
}

func (t *retrievalTask) cancel() { t.cancelFn() }

// startRetrievalLocked launches retrieval over the accumulated final text,
// superseding any retrieval already running. The retriever bounds itself with
// its own deadline. Requires c.mu.
func (c *Controller) startRetrievalLocked(text string) {
	if c.retriever == nil || strings.TrimSpace(text) == "" {
		return
	}
	if c.retrieval != nil {
		c.retrieval.cancel()
	}
	rctx, cancel := context.WithCancel(c.rootCtx)
	task := &retrievalTask{cancelFn: cancel, done: make(chan struct{})}
	c.retrieval = task
	go func() {
		defer close(task.done)
		start := time.Now()
		task.results = c.retriever.Retrieve(rctx, text, c.sessionID)
		c.metrics.RetrievalDuration.Record(context.Background(), time.Since(start).Seconds())
	}()
}

// awaitRetrieval waits for the speculative retrieval started by the finals,
// or runs one inline when none is in flight. Cancellation degrades to an
// empty context.
func (c *Controller) awaitRetrieval(ctx context.Context, task *retrievalTask, query string) []rag.Result {
	if task == nil {
		if c.retriever == nil {
			return nil
		}
		return c.retriever.Retrieve(ctx, query, c.sessionID)
	}
	select {
	case <-task.done:
		return task.results
	case <-ctx.Done():
		return nil
	}
}

// generation tracks one LLM invocation and the synthesis consuming it, from
// dispatch to turn seal. The controller abandons a generation by setting its
// terminal status and cancelling its context; goroutines owned by the
// generation re-validate c.gen == g before any externally visible effect.
type generation struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	callID    string
	turnID    string
	userText  string
	avgConf   float64
	model     string
	results   []rag.Result
	sentences chan Sentence
	startedAt time.Time

	mu        sync.Mutex
	status    string // one of the Call* constants; empty while streaming
	committed bool
	response  strings.Builder
	finalText string
	usage     llm.Usage
}

// abandon marks the generation ended with the given status and cancels its
// context. The first terminal status wins.
func (g *generation) abandon(status string) {
	g.mu.Lock()
	if g.status == "" {
		g.status = status
	}
	g.mu.Unlock()
	g.cancelFn()
}

// finish records a terminal status reached by the stream itself. It reports
// false when a cancel path already claimed the generation.
func (g *generation) finish(status string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != "" {
		return false
	}
	g.status = status
	return true
}

// release cancels the generation context without touching the outcome.
func (g *generation) release() { g.cancelFn() }

func (g *generation) outcome() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *generation) markCommitted() {
	g.mu.Lock()
	g.committed = true
	g.mu.Unlock()
}

func (g *generation) isCommitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

func (g *generation) appendText(s string) {
	g.mu.Lock()
	g.response.WriteString(s)
	g.mu.Unlock()
}

func (g *generation) text() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.response.String()
}

func (g *generation) setUsage(u llm.Usage) {
	g.mu.Lock()
	g.usage = u
	g.mu.Unlock()
}

func (g *generation) setFinalText(s string) {
	g.mu.Lock()
	g.finalText = s
	g.mu.Unlock()
}

// deliveredText is the text attributed to the agent when the turn seals: the
// guardrail-processed final when the stream completed, otherwise whatever
// partial response had streamed.
func (g *generation) deliveredText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalText != "" {
		return g.finalText
	}
	return g.response.String()
}

// tokenCounts returns the prompt and completion token counts, preferring
// provider-reported usage and estimating from the partial text when the
// stream was cut before usage arrived.
func (g *generation) tokenCounts(p llm.Provider, prompt []types.Message) (promptTokens, completionTokens int) {
	g.mu.Lock()
	usage := g.usage
	text := g.response.String()
	g.mu.Unlock()

	promptTokens = usage.PromptTokens
	completionTokens = usage.CompletionTokens
	if promptTokens == 0 && len(prompt) > 0 {
		if n, err := p.CountTokens(prompt); err == nil {
			promptTokens = n
		}
	}
	if completionTokens == 0 && text != "" {
		if n, err := p.CountTokens([]types.Message{{Role: types.RoleAssistant, Content: text}}); err == nil {
			completionTokens = n
		} else {
			completionTokens = len(text) / 4
		}
	}
	return promptTokens, completionTokens
}

// onSilenceFired is the silence timer callback: the user stopped talking, so
// the accumulated finals become the turn's utterance. Query guardrails gate
// entry into SPECULATIVE — a blocked query never starts a generation, the
// turn drops straight back to IDLE with a canned reply.
func (c *Controller) onSilenceFired() {
	c.mu.Lock()
	if !c.running || c.machine.State() != StateListening {
		c.mu.Unlock()
		return
	}
	userText := c.buffer.FinalText()
	if strings.TrimSpace(userText) == "" {
		c.log.Debug("silence fired with no final transcript, abandoning turn")
		c.resetToIdle("empty_turn")
		c.mu.Unlock()
		return
	}

	if qr := c.guard.ValidateQuery(userText); !qr.Passed {
		c.metrics.RecordGuardrailViolation(context.Background(), string(qr.Violation))
		fallback := c.guard.FallbackText(qr.Violation)
		c.log.Warn("query blocked by guardrail",
			"violation", string(qr.Violation),
			"reason", qr.Reason,
		)
		c.resetToIdle("guardrail_" + string(qr.Violation))
		c.mu.Unlock()
		c.cb.agentFallback(fallback, string(qr.Violation))
		return
	}

	c.machine.Transition(StateSpeculative, "silence_complete")
	c.buffer.Lock()
	c.speechEndAt = time.Now()

	gctx, cancel := context.WithCancel(c.rootCtx)
	g := &generation{
		ctx:       gctx,
		cancelFn:  cancel,
		callID:    uuid.NewString(),
		turnID:    c.turnID,
		userText:  userText,
		avgConf:   c.buffer.AverageConfidence(),
		model:     c.model,
		sentences: make(chan Sentence, defaultSentenceBuf),
		startedAt: time.Now(),
	}
	c.gen = g
	task := c.retrieval
	c.mu.Unlock()

	go c.runGeneration(g, task)
}

// runGeneration drives one turn's LLM stream: await retrieval, build the
// prompt, stream with sentence splitting, validate the aggregate response,
// and terminate the sentence queue.
func (c *Controller) runGeneration(g *generation, task *retrievalTask) {
	results := c.awaitRetrieval(g.ctx, task, g.userText)

	// Retrieval guardrails decide whether the chunks are trustworthy enough
	// to ground the prompt; a failed check degrades to an uncontexted prompt
	// rather than blocking the turn.
	if len(results) > 0 {
		if rr := c.guard.ValidateRetrieval(g.userText, results); !rr.Passed {
			c.log.Debug("retrieval rejected, answering without context",
				"violation", string(rr.Violation),
				"reason", rr.Reason,
			)
			results = nil
		}
	}
	g.results = results

	req := llm.CompletionRequest{
		Messages:     append(c.history.Messages(), types.Message{Role: types.RoleUser, Content: g.userText}),
		SystemPrompt: rag.SystemPrompt(results),
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		Model:        g.model,
	}

	streamCtx, cancel := context.WithTimeout(g.ctx, llmStreamTimeout)
	defer cancel()
	ch, err := c.llmProvider.StreamCompletion(streamCtx, req)
	if err != nil {
		c.failGeneration(g, req, ErrCodeLLMConnection, fmt.Errorf("llm stream: %w", err))
		return
	}

	var splitter SentenceSplitter
	var streamErrMsg string
	firstToken := true
	streamFailed := false
	for chunk := range ch {
		if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
			g.setUsage(chunk.Usage)
		}
		if chunk.FinishReason == "error" {
			streamFailed = true
			streamErrMsg = chunk.Text
			continue
		}
		if chunk.Text == "" {
			continue
		}
		if firstToken {
			firstToken = false
			c.metrics.LLMFirstToken.Record(context.Background(), time.Since(g.startedAt).Seconds())
		}
		g.appendText(chunk.Text)
		for _, sentence := range splitter.Push(chunk.Text) {
			if !c.deliverSentence(g, sentence) {
				c.finishCancelledCall(g, req)
				return
			}
		}
	}
	c.metrics.LLMDuration.Record(context.Background(), time.Since(g.startedAt).Seconds())

	if g.outcome() != "" {
		// A cancel path claimed the generation while the stream was closing.
		c.finishCancelledCall(g, req)
		return
	}
	if err := streamCtx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.failGeneration(g, req, ErrCodeLLMTimeout,
				fmt.Errorf("llm stream exceeded %s", llmStreamTimeout))
		} else {
			c.finishCancelledCall(g, req)
		}
		return
	}
	if streamFailed && !g.isCommitted() {
		c.failGeneration(g, req, ErrCodeLLMStream, errors.New(streamErrMsg))
		return
	}

	// Trailing partial sentence, or a whole reply without a boundary.
	if rest := splitter.Flush(); rest != "" {
		if !c.deliverSentence(g, rest) {
			c.finishCancelledCall(g, req)
			return
		}
	}

	full := g.text()
	if strings.TrimSpace(full) == "" {
		c.failGeneration(g, req, ErrCodeLLMStream, errors.New("llm returned an empty response"))
		return
	}

	// Response guardrails run post-hoc: sentences streamed optimistically and
	// the canned fallback replaces the transcript when the aggregate fails.
	agentText := full
	if rr := c.guard.ValidateResponse(full, rag.ContextText(g.results)); !rr.Passed {
		c.metrics.RecordGuardrailViolation(context.Background(), string(rr.Violation))
		fallback := c.guard.FallbackText(rr.Violation)
		c.log.Warn("response blocked by guardrail", "violation", string(rr.Violation))
		c.cb.agentFallback(fallback, string(rr.Violation))
		agentText = fallback
	} else {
		if rr.Violation != "" {
			c.metrics.RecordGuardrailViolation(context.Background(), string(rr.Violation))
		}
		agentText = rr.Sanitized
	}
	g.setFinalText(agentText)

	status := CallCompleted
	if streamFailed {
		status = CallFailed
		c.log.Warn("llm stream failed after commit, delivering partial reply", "error", streamErrMsg)
		c.cb.errorf(ErrCodeLLMStream, errors.New(streamErrMsg), true)
	}
	if !g.finish(status) {
		c.finishCancelledCall(g, req)
		return
	}
	c.recordCall(g, req, status)

	// Terminate the sentence stream; synthesis emits the final audio marker.
	select {
	case g.sentences <- Sentence{IsFinal: true}:
	case <-g.ctx.Done():
	}
}

// deliverSentence hands one completed sentence to synthesis. The first
// sentence commits the turn and starts the synthesis task. It reports false
// when the generation was superseded.
func (c *Controller) deliverSentence(g *generation, text string) bool {
	c.mu.Lock()
	if c.gen != g || !c.running {
		c.mu.Unlock()
		return false
	}
	if !g.isCommitted() {
		if !c.machine.Transition(StateCommitted, "first_sentence") {
			c.mu.Unlock()
			return false
		}
		g.markCommitted()
		c.firstSentenceAt = time.Now()
		go c.runSynthesis(g)
	}
	c.mu.Unlock()

	select {
	case g.sentences <- Sentence{Text: text}:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// failGeneration handles a stream that could not produce a usable reply:
// record the failed call, surface the error, and reset the turn.
func (c *Controller) failGeneration(g *generation, req llm.CompletionRequest, code string, err error) {
	if !g.finish(CallFailed) {
		c.finishCancelledCall(g, req)
		return
	}
	c.log.Error("generation failed", "code", code, "error", err)
	c.mu.Lock()
	if c.gen == g {
		c.gen = nil
		g.release()
		c.resetToIdle(code)
	}
	c.mu.Unlock()
	c.recordCall(g, req, CallFailed)
	c.cb.errorf(code, err, true)
}

// finishCancelledCall records the accounting row for a generation a cancel
// path abandoned.
func (c *Controller) finishCancelledCall(g *generation, req llm.CompletionRequest) {
	status := g.outcome()
	if status == "" {
		g.finish(CallCanceled)
		status = CallCanceled
	}
	c.recordCall(g, req, status)
}

// recordCall persists one LLM call row and feeds the wasted-token counters
// for the cancelled ones.
func (c *Controller) recordCall(g *generation, req llm.CompletionRequest, status string) {
	promptTokens, completionTokens := g.tokenCounts(c.llmProvider, req.Messages)
	rec := CallRecord{
		CallID:           g.callID,
		TurnID:           g.turnID,
		Model:            g.model,
		Status:           status,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		StartedAt:        g.startedAt,
		Duration:         time.Since(g.startedAt),
	}
	if status == CallCanceled || status == CallSpeculativeCanceled {
		c.mu.Lock()
		c.tokensWasted += completionTokens
		c.mu.Unlock()
		if completionTokens > 0 {
			c.metrics.WastedTokens.Add(context.Background(), int64(completionTokens))
		}
	}
	if c.sink == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.sink.RecordCall(pctx, rec); err != nil {
		c.log.Warn("record llm call failed", "call_id", rec.CallID, "error", err)
	}
}
