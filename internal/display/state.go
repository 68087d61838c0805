package display

import (
	"sync"
	"time"

	"qms/token-portal/internal/models"
)

// State is everything a screen renders. LastUpdated only moves on a
// successful poll; Error is the banner text while polls are failing.
type State struct {
	Groups      []Group   `json:"groups"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
	Generation  uint64    `json:"generation"`
}

func (s State) Stale() bool {
	return s.Error != ""
}

// Store holds the last rendered state of one display and fans changes out
// to subscribers.
type Store struct {
	limit int
	now   func() time.Time

	mu     sync.RWMutex
	state  State
	nextID int
	subs   map[int]chan State
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultWaitingLimit
	}
	return &Store{
		limit: limit,
		now:   time.Now,
		state: State{Groups: []Group{}},
		subs:  map[int]chan State{},
	}
}

// Apply replaces the whole board with a fresh partition of tokens.
func (s *Store) Apply(generation uint64, tokens []models.Token) State {
	groups := Partition(tokens, s.limit)

	s.mu.Lock()
	s.state = State{
		Groups:      groups,
		LastUpdated: s.now(),
		Generation:  generation,
	}
	snapshot := s.state
	s.broadcastLocked(snapshot)
	s.mu.Unlock()
	return snapshot
}

// Fail keeps the board and its timestamp and raises the error banner.
func (s *Store) Fail(generation uint64, err error) State {
	s.mu.Lock()
	s.state.Error = "Unable to refresh the queue: " + err.Error()
	if generation > s.state.Generation {
		s.state.Generation = generation
	}
	snapshot := s.state
	s.broadcastLocked(snapshot)
	s.mu.Unlock()
	return snapshot
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel that always holds the latest state; a slow
// reader skips intermediate states rather than blocking the store.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) broadcastLocked(state State) {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}
