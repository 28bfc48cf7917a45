// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript and TurnEvent values
// and inspect which audio frames were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.InterimsCh <- types.Transcript{Text: "hel"}
package mock

import (
	"context"
	"sync"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Frame is a copy of the audio frame passed to SendAudio.
	Frame types.AudioFrame
}

// Session is a mock implementation of stt.SessionHandle.
// Tests send the Transcript and TurnEvent values they want the consumer to
// receive on InterimsCh, FinalsCh, and EventsCh, then close them when done.
type Session struct {
	mu sync.Mutex

	// InterimsCh is the channel returned by Interims(). Tests own this channel
	// and are responsible for sending to and closing it.
	InterimsCh chan types.Transcript

	// FinalsCh is the channel returned by Finals(). Tests own this channel.
	FinalsCh chan types.Transcript

	// EventsCh is the channel returned by Events(). Tests own this channel.
	EventsCh chan stt.TurnEvent

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinishUtteranceErr, if non-nil, is returned by every FinishUtterance call.
	FinishUtteranceErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// FinishUtteranceCallCount is the number of times FinishUtterance was called.
	FinishUtteranceCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession constructs a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		InterimsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		EventsCh:   make(chan stt.TurnEvent, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(frame types.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := frame
	cp.Data = make([]byte, len(frame.Data))
	copy(cp.Data, frame.Data)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Frame: cp})
	return s.SendAudioErr
}

// Interims returns InterimsCh. The caller must have initialised InterimsCh
// before calling this method.
func (s *Session) Interims() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterimsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.TurnEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// FinishUtterance records the call and returns FinishUtteranceErr.
func (s *Session) FinishUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishUtteranceCallCount++
	return s.FinishUtteranceErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.FinishUtteranceCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
