// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify OpenSession calls and feed controlled sessions.
// Use Session to drive the event stream and inspect which send methods
// were invoked by the bridge.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.OpenSession(ctx, cfg)
//	sess.Emit(s2s.Event{Parts: []s2s.Part{{Audio: pcm}}})
//	sess.Finish()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/s2s"
)

// OpenSessionCall records a single invocation of Provider.OpenSession.
type OpenSessionCall struct {
	// Ctx is the context passed to OpenSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to OpenSession.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by OpenSession. If nil, a new
	// default Session is returned.
	Session s2s.SessionHandle

	// OpenErr, if non-nil, is returned as the error from OpenSession.
	OpenErr error

	// OpenSessionCalls records every call to OpenSession in order.
	OpenSessionCalls []OpenSessionCall
}

// OpenSession records the call and returns Session, OpenErr.
func (p *Provider) OpenSession(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenSessionCalls = append(p.OpenSessionCalls, OpenSessionCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
	// SampleRate is the rate passed alongside the chunk.
	SampleRate int
}

// ToolResultCall records a single invocation of Session.SendToolResult.
type ToolResultCall struct {
	// Results is a copy of the results passed to SendToolResult.
	Results []s2s.ToolResult
}

// Session is a mock implementation of s2s.SessionHandle. Tests feed
// events with Emit and end the stream with Finish.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). NewSession creates it
	// buffered; tests providing their own Session value own this channel.
	EventsCh chan s2s.Event

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendEndOfTurnErr, if non-nil, is returned by every SendEndOfTurn call.
	SendEndOfTurnErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// ErrVal is returned by Err.
	ErrVal error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records the text of every SendText call in order.
	SendTextCalls []string

	// EndOfTurnCount is the number of times SendEndOfTurn was called.
	EndOfTurnCount int

	// ToolResultCalls records every call to SendToolResult in order.
	ToolResultCalls []ToolResultCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	finishOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan s2s.Event, 64)}
}

// Emit queues one event for the bridge to consume.
func (s *Session) Emit(ev s2s.Event) {
	s.EventsCh <- ev
}

// Finish closes the event stream. Safe to call more than once.
func (s *Session) Finish() {
	s.finishOnce.Do(func() { close(s.EventsCh) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp, SampleRate: sampleRate})
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// SendEndOfTurn records the call and returns SendEndOfTurnErr.
func (s *Session) SendEndOfTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndOfTurnCount++
	return s.SendEndOfTurnErr
}

// SendToolResult records the call and returns SendToolResultErr.
func (s *Session) SendToolResult(results []s2s.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]s2s.ToolResult, len(results))
	copy(cp, results)
	s.ToolResultCalls = append(s.ToolResultCalls, ToolResultCall{Results: cp})
	return s.SendToolResultErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan s2s.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, closes the event stream, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.Finish()
	return err
}

// Snapshot returns copies of the recorded send calls. Thread-safe.
func (s *Session) Snapshot() (audio []SendAudioCall, endOfTurns int, toolResults []ToolResultCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio = append(audio, s.SendAudioCalls...)
	toolResults = append(toolResults, s.ToolResultCalls...)
	return audio, s.EndOfTurnCount, toolResults
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
