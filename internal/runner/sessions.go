package runner

import (
	"sync"
	"time"

	"github.com/stellarlinkco/companion/internal/scenario"
)

type sessionKey struct {
	userID     string
	instanceID string
}

// Session is the transient per-conversation state of one instance: examples
// already shown and the last message that carried buttons for Step.
type Session struct {
	UserID          string
	InstanceID      string
	Step            scenario.State
	Examples        map[scenario.State]int
	ButtonMessageID int64
	LastTouch       time.Time
}

// Sessions keeps sessions in a dense arena with an index keyed by
// (user, instance). Eviction swaps the last slot into the hole.
type Sessions struct {
	mu    sync.Mutex
	arena []Session
	index map[sessionKey]int
}

func NewSessions() *Sessions {
	return &Sessions{index: make(map[sessionKey]int)}
}

// touch returns the session, creating it on first use. Caller holds mu.
func (s *Sessions) touch(userID, instanceID string, step scenario.State, now time.Time) *Session {
	k := sessionKey{userID, instanceID}
	if i, ok := s.index[k]; ok {
		sess := &s.arena[i]
		if sess.Step != step {
			sess.Step = step
			sess.ButtonMessageID = 0
		}
		sess.LastTouch = now
		return sess
	}
	s.arena = append(s.arena, Session{
		UserID:     userID,
		InstanceID: instanceID,
		Step:       step,
		Examples:   make(map[scenario.State]int),
		LastTouch:  now,
	})
	s.index[k] = len(s.arena) - 1
	return &s.arena[len(s.arena)-1]
}

// NextExample bumps and returns the 1-based example counter of step.
func (s *Sessions) NextExample(userID, instanceID string, step scenario.State, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(userID, instanceID, step, now)
	sess.Examples[step]++
	return sess.Examples[step]
}

// SetButtonMessage records messageID as the message carrying the buttons of
// step.
func (s *Sessions) SetButtonMessage(userID, instanceID string, step scenario.State, messageID int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(userID, instanceID, step, now)
	sess.ButtonMessageID = messageID
}

// ButtonMessage returns the message carrying the buttons of step, or zero
// when none is known.
func (s *Sessions) ButtonMessage(userID, instanceID string, step scenario.State) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[sessionKey{userID, instanceID}]
	if !ok || s.arena[i].Step != step {
		return 0
	}
	return s.arena[i].ButtonMessageID
}

// Get returns a copy of the session.
func (s *Sessions) Get(userID, instanceID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[sessionKey{userID, instanceID}]
	if !ok {
		return Session{}, false
	}
	out := s.arena[i]
	out.Examples = make(map[scenario.State]int, len(s.arena[i].Examples))
	for k, v := range s.arena[i].Examples {
		out.Examples[k] = v
	}
	return out, true
}

func (s *Sessions) Evict(userID, instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(sessionKey{userID, instanceID})
}

// EvictIdle drops sessions untouched for longer than idle and returns how many.
func (s *Sessions) EvictIdle(now time.Time, idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := 0; i < len(s.arena); {
		if now.Sub(s.arena[i].LastTouch) > idle {
			s.evictLocked(sessionKey{s.arena[i].UserID, s.arena[i].InstanceID})
			n++
			continue
		}
		i++
	}
	return n
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arena)
}

func (s *Sessions) evictLocked(k sessionKey) bool {
	i, ok := s.index[k]
	if !ok {
		return false
	}
	last := len(s.arena) - 1
	if i != last {
		s.arena[i] = s.arena[last]
		s.index[sessionKey{s.arena[i].UserID, s.arena[i].InstanceID}] = i
	}
	s.arena[last] = Session{}
	s.arena = s.arena[:last]
	delete(s.index, k)
	return true
}
