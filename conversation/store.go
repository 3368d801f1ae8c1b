package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the persisted registry of conversations, indexed by id (primary),
// counterparty address, and alias. The alias index covers both the local and
// the counterparty alias, so either one resolves the conversation.
//
// All mutation paths update the three indices under one lock; a partial
// index update is never observable.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Conversation
	byAddress map[string]*Conversation
	byAlias   map[string]*Conversation
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Conversation),
		byAddress: make(map[string]*Conversation),
		byAlias:   make(map[string]*Conversation),
	}
}

// Save inserts or replaces a conversation and reindexes it. If another
// conversation was indexed for the same address it loses the address slot;
// at most one conversation per address is indexed at any time.
func (s *Store) Save(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexLocked(c)
}

// Update reindexes an already-stored conversation after its fields changed.
func (s *Store) Update(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, c.ID)
	}
	s.indexLocked(c)
	return nil
}

// Remove deletes a conversation from all three indices.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	s.unindexLocked(c)
	delete(s.byID, id)
	return nil
}

// Restore validates and inserts a record recovered from a backup. Only
// records that pass validated construction are accepted; lastActivity is
// refreshed to the restore time.
func (s *Store) Restore(c *Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cp := c.Clone()
	cp.LastActivity = time.Now()
	s.Save(cp)
	return nil
}

// ByID returns the conversation with the given id.
func (s *Store) ByID(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// ByAddress returns the conversation indexed for the counterparty address.
func (s *Store) ByAddress(addr string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAddress[addr]
	return c, ok
}

// ByAlias resolves either a local or a counterparty alias.
func (s *Store) ByAlias(a string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAlias[a]
	return c, ok
}

// Active returns all conversations in the active state.
func (s *Store) Active() []*Conversation {
	return s.filter(StatusActive)
}

// Pending returns all conversations in the pending state.
func (s *Store) Pending() []*Conversation {
	return s.filter(StatusPending)
}

// All returns every stored conversation.
func (s *Store) All() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Clear removes every conversation, the bulk wallet-history flush.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"count":    len(s.byID),
	}).Info("Flushing conversation store")

	s.byID = make(map[string]*Conversation)
	s.byAddress = make(map[string]*Conversation)
	s.byAlias = make(map[string]*Conversation)
}

func (s *Store) filter(status Status) []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0)
	for _, c := range s.byID {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// indexLocked rewrites every index entry for c. Any previous entries for the
// same record are dropped first so stale alias or address keys cannot
// survive, even when the record was mutated in place.
func (s *Store) indexLocked(c *Conversation) {
	if old, ok := s.byID[c.ID]; ok {
		s.unindexLocked(old)
	}
	s.byID[c.ID] = c
	s.byAddress[c.Address] = c
	if c.MyAlias != "" {
		s.byAlias[c.MyAlias] = c
	}
	if c.TheirAlias != "" {
		s.byAlias[c.TheirAlias] = c
	}
}

// unindexLocked removes every secondary index entry pointing at c by
// identity. Key values cannot be derived from c's fields because callers
// mutate records before reindexing them.
func (s *Store) unindexLocked(c *Conversation) {
	for addr, v := range s.byAddress {
		if v == c {
			delete(s.byAddress, addr)
		}
	}
	for a, v := range s.byAlias {
		if v == c {
			delete(s.byAlias, a)
		}
	}
}
