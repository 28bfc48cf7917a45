package session

import (
	"sync"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// History is the per-session conversation memory. Each completed turn appends
// the user utterance and the agent reply; the ordered list is injected into
// every LLM prompt after the system message, so the model sees the whole
// conversation so far.
//
// History lives and dies with its session. All methods are safe for
// concurrent use.
type History struct {
	mu       sync.Mutex
	messages []types.Message
}

// NewHistory returns an empty conversation history.
func NewHistory() *History {
	return &History{}
}

// AppendExchange records one completed turn. Empty sides are skipped, so an
// interrupted turn with no agent reply still preserves what the user said.
func (h *History) AppendExchange(userText, agentText string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if userText != "" {
		h.messages = append(h.messages, types.Message{Role: types.RoleUser, Content: userText})
	}
	if agentText != "" {
		h.messages = append(h.messages, types.Message{Role: types.RoleAssistant, Content: agentText})
	}
}

// Messages returns a copy of the conversation so far, oldest first.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len reports the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Clear drops the whole conversation.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
