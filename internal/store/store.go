// Package store keeps conversations, messages and settings as reducer-updated
// snapshots, persisted as a single JSON blob with last-write-wins semantics.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/comigor/geochat/internal/logger"
)

// Persister saves and loads a named blob.
type Persister interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, bool, error)
}

// Store holds the current snapshot. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	state     State
	persister Persister
	name      string
}

// Open loads the named blob through p, falling back to DefaultState(defaults)
// when nothing was saved. A nil persister keeps state in memory only.
func Open(p Persister, name string, defaults Settings) (*Store, error) {
	s := &Store{persister: p, name: name, state: DefaultState(defaults)}
	if p == nil {
		return s, nil
	}

	data, ok, err := p.Load(name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok {
		return s, nil
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	s.state = normalize(loaded, defaults)
	logger.L.Info("store loaded", "name", name, "conversations", len(s.state.Conversations))
	return s, nil
}

func normalize(s State, defaults Settings) State {
	if s.Messages == nil {
		s.Messages = map[string][]Message{}
	}
	if s.Config.ModelType == "" {
		s.Config.ModelType = defaults.ModelType
	}
	if s.Config.SystemPrompt == "" {
		s.Config.SystemPrompt = defaults.SystemPrompt
	}
	if len(s.Conversations) == 0 {
		s.Conversations = []Conversation{{ID: DefaultConversationID, Title: NewConversationTitle}}
	}
	if _, ok := s.Conversation(s.ActiveConversationID); !ok {
		s.ActiveConversationID = s.Conversations[0].ID
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update applies r and persists the result. The new state is kept even when
// saving fails; the save error is returned.
func (s *Store) Update(r Reducer) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = r(s.state.Clone())
	out := s.state.Clone()

	if s.persister == nil {
		return out, nil
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return out, fmt.Errorf("encode %s: %w", s.name, err)
	}
	if err := s.persister.Save(s.name, data); err != nil {
		logger.L.Error("failed to persist store", "name", s.name, "error", err)
		return out, fmt.Errorf("save %s: %w", s.name, err)
	}
	return out, nil
}
