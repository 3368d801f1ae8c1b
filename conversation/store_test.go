package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversation(id, addr, myAlias, theirAlias string, status Status) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:            id,
		MyAlias:       myAlias,
		TheirAlias:    theirAlias,
		Address:       addr,
		Status:        status,
		CreatedAt:     now,
		LastActivity:  now,
		InitiatedByMe: true,
	}
}

func TestStoreIndexesAllThreeWays(t *testing.T) {
	s := NewStore()
	c := newTestConversation("c1", "kaspatest:addr1", "aaaaaaaaaaaa", "bbbbbbbbbbbb", StatusPending)
	s.Save(c)

	byID, ok := s.ByID("c1")
	require.True(t, ok)
	assert.Same(t, c, byID)

	byAddr, ok := s.ByAddress("kaspatest:addr1")
	require.True(t, ok)
	assert.Same(t, c, byAddr)

	byMine, ok := s.ByAlias("aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Same(t, c, byMine)

	byTheirs, ok := s.ByAlias("bbbbbbbbbbbb")
	require.True(t, ok)
	assert.Same(t, c, byTheirs)
}

func TestStoreUpdateReindexesAliases(t *testing.T) {
	s := NewStore()
	c := newTestConversation("c1", "kaspatest:addr1", "aaaaaaaaaaaa", "bbbbbbbbbbbb", StatusPending)
	s.Save(c)

	c.TheirAlias = "cccccccccccc"
	require.NoError(t, s.Update(c))

	_, ok := s.ByAlias("bbbbbbbbbbbb")
	assert.False(t, ok, "stale alias key must be removed")

	byNew, ok := s.ByAlias("cccccccccccc")
	require.True(t, ok)
	assert.Same(t, c, byNew)
}

func TestStoreUpdateUnknownConversation(t *testing.T) {
	s := NewStore()
	err := s.Update(newTestConversation("ghost", "kaspatest:a", "aaaaaaaaaaaa", "", StatusPending))
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStoreRemove(t *testing.T) {
	s := NewStore()
	c := newTestConversation("c1", "kaspatest:addr1", "aaaaaaaaaaaa", "bbbbbbbbbbbb", StatusActive)
	s.Save(c)

	require.NoError(t, s.Remove("c1"))
	_, ok := s.ByID("c1")
	assert.False(t, ok)
	_, ok = s.ByAddress("kaspatest:addr1")
	assert.False(t, ok)
	_, ok = s.ByAlias("aaaaaaaaaaaa")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Remove("c1"), ErrConversationNotFound)
}

func TestStoreAddressIndexHoldsOneConversation(t *testing.T) {
	s := NewStore()
	first := newTestConversation("c1", "kaspatest:addr1", "aaaaaaaaaaaa", "", StatusRejected)
	second := newTestConversation("c2", "kaspatest:addr1", "dddddddddddd", "", StatusPending)
	s.Save(first)
	s.Save(second)

	indexed, ok := s.ByAddress("kaspatest:addr1")
	require.True(t, ok)
	assert.Equal(t, "c2", indexed.ID)

	// The replaced conversation is still reachable by id.
	_, ok = s.ByID("c1")
	assert.True(t, ok)
}

func TestStoreStatusFilters(t *testing.T) {
	s := NewStore()
	s.Save(newTestConversation("c1", "kaspatest:a1", "aaaaaaaaaaaa", "", StatusPending))
	s.Save(newTestConversation("c2", "kaspatest:a2", "bbbbbbbbbbbb", "cccccccccccc", StatusActive))
	s.Save(newTestConversation("c3", "kaspatest:a3", "dddddddddddd", "", StatusRejected))

	assert.Len(t, s.Pending(), 1)
	assert.Len(t, s.Active(), 1)
	assert.Len(t, s.All(), 3)
	assert.Equal(t, 3, s.Len())
}

func TestStoreRestoreValidatesRecords(t *testing.T) {
	s := NewStore()

	valid := newTestConversation("c1", "kaspatest:a1", "aaaaaaaaaaaa", "bbbbbbbbbbbb", StatusActive)
	require.NoError(t, s.Restore(valid))

	restored, ok := s.ByID("c1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, restored.Status)
	// lastActivity is refreshed by restore, not copied from the record.
	assert.WithinDuration(t, time.Now(), restored.LastActivity, time.Minute)

	testCases := []struct {
		name   string
		record *Conversation
	}{
		{"missing id", newTestConversation("", "kaspatest:a2", "aaaaaaaaaaaa", "", StatusPending)},
		{"bad my alias", newTestConversation("c2", "kaspatest:a2", "not-an-alias", "", StatusPending)},
		{"bad their alias", newTestConversation("c2", "kaspatest:a2", "aaaaaaaaaaaa", "zz", StatusPending)},
		{"missing address", newTestConversation("c2", "", "aaaaaaaaaaaa", "", StatusPending)},
		{"bad status", newTestConversation("c2", "kaspatest:a2", "aaaaaaaaaaaa", "", Status("weird"))},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Restore(tc.record), ErrInvalidRecord)
		})
	}
	assert.Equal(t, 1, s.Len(), "invalid records must not enter the store")
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.Save(newTestConversation("c1", "kaspatest:a1", "aaaaaaaaaaaa", "", StatusPending))
	s.Clear()
	assert.Equal(t, 0, s.Len())
	_, ok := s.ByAddress("kaspatest:a1")
	assert.False(t, ok)
}

func TestConversationNeedsResponse(t *testing.T) {
	c := newTestConversation("c1", "kaspatest:a1", "aaaaaaaaaaaa", "bbbbbbbbbbbb", StatusPending)
	c.InitiatedByMe = false
	assert.True(t, c.NeedsResponse())

	c.InitiatedByMe = true
	assert.False(t, c.NeedsResponse())

	c.InitiatedByMe = false
	c.Status = StatusActive
	assert.False(t, c.NeedsResponse())
}
