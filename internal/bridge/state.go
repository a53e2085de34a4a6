package bridge

import (
	"sync"
	"time"
)

// SessionState is the mutable state shared between the inbound and
// outbound pumps of one call. Both pumps read and write it, so every
// access goes through the mutex. The fields are plain scalars; the lock
// exists to prevent lost updates between "inbound clears the speaking
// flag on interruption" and "outbound sets it on fresh audio".
type SessionState struct {
	mu sync.Mutex

	agentSpeaking    bool
	lastActivity     time.Time
	lastOutboundSend time.Time
	endOfTurnAt      time.Time
	turnEnded        bool
	turnCount        int
}

// AgentSpeaking reports whether model audio is currently being delivered.
func (s *SessionState) AgentSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeaking
}

// SetAgentSpeaking flips the speaking flag and reports the previous value.
func (s *SessionState) SetAgentSpeaking(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.agentSpeaking
	s.agentSpeaking = v
	return prev
}

// MarkActivity stamps the arrival of inbound audio.
func (s *SessionState) MarkActivity(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = t
}

// LastActivity returns the last inbound audio timestamp.
func (s *SessionState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkOutboundSend stamps the latest outbound audio send.
func (s *SessionState) MarkOutboundSend(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOutboundSend = t
}

// LastOutboundSend returns the latest outbound audio send timestamp.
func (s *SessionState) LastOutboundSend() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutboundSend
}

// StampEndOfTurn records when end-of-turn was signalled to the model,
// marking the start of the response-latency window.
func (s *SessionState) StampEndOfTurn(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfTurnAt = t
	s.turnEnded = true
	s.turnCount++
}

// TurnCount returns how many user turns were signalled this session.
func (s *SessionState) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// TakeEndOfTurn consumes a pending end-of-turn stamp. The second return
// is false when no turn boundary is awaiting its first response audio.
func (s *SessionState) TakeEndOfTurn() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turnEnded {
		return time.Time{}, false
	}
	s.turnEnded = false
	return s.endOfTurnAt, true
}
