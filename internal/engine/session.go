package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mcamargo/chatsync/internal/bus"
)

// State represents a chat session's sync state.
type State string

const (
	Idle      State = "IDLE"
	Loading   State = "LOADING"
	Live      State = "LIVE"
	Resyncing State = "RESYNCING"
	Degraded  State = "DEGRADED"
)

// validTransitions defines allowed per-chat state transitions.
var validTransitions = map[State][]State{
	Idle:      {Loading},
	Loading:   {Live, Degraded, Idle},
	Live:      {Resyncing, Degraded, Idle},
	Resyncing: {Live, Degraded, Idle},
	Degraded:  {Loading, Resyncing, Idle},
}

// session tracks the sync state of one open chat.
type session struct {
	mu      sync.RWMutex
	chatID  string
	current State
	bus     *bus.Bus

	// in-flight guards: at most one older-page fetch and one resync
	// per chat at a time.
	loadingOlder bool
	resyncing    bool
}

func newSession(chatID string, b *bus.Bus) *session {
	return &session{
		chatID:  chatID,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (s *session) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (s *session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := validTransitions[s.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("chat %s: invalid transition from %s to %s", s.chatID, s.current, to)
	}
	from := s.current
	s.current = to
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind: "sync.state_changed",
			At:   time.Now(),
			Payload: StateChange{
				ChatID: s.chatID,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// tryBeginOlder claims the older-page fetch slot. It returns false when
// a fetch is already running so concurrent callers coalesce.
func (s *session) tryBeginOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadingOlder {
		return false
	}
	s.loadingOlder = true
	return true
}

func (s *session) endOlder() {
	s.mu.Lock()
	s.loadingOlder = false
	s.mu.Unlock()
}

// tryBeginResync claims the resync slot.
func (s *session) tryBeginResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncing {
		return false
	}
	s.resyncing = true
	return true
}

func (s *session) endResync() {
	s.mu.Lock()
	s.resyncing = false
	s.mu.Unlock()
}

// StateChange is the payload for sync state change events.
type StateChange struct {
	ChatID string
	From   State
	To     State
}
