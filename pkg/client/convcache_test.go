package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"parleydb/pkg/models"
)

func batch(prefix string, start, n int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.ChatMessage{
			ID:       fmt.Sprintf("%s%d", prefix, start+i),
			Type:     models.MessageEntity,
			EntityID: "npc1",
			Content:  models.ResolvedText(fmt.Sprintf("msg %d", start+i)),
		})
	}
	return out
}

// TestAddMessagesIdempotent applies the same batch twice and checks that
// counts, the has-older flag and the loaded set are unchanged.
func TestAddMessagesIdempotent(t *testing.T) {
	c := NewConversationCache()
	msgs := batch("m", 7, 3)

	c.AddMessages("npc1", msgs, 10, 7)
	c.AddMessages("npc1", msgs, 10, 7)

	require.Equal(t, 3, c.LoadedCount("npc1"))
	require.Equal(t, 10, c.GetTotalMessageCount("npc1"))
	require.True(t, c.HasOlderMessages("npc1"))
}

// TestHasOlderFlips is the recent-window-then-backfill sequence: a batch at
// startIndex 7 of 10 leaves older history, and filling indices 0..6 clears
// the flag.
func TestHasOlderFlips(t *testing.T) {
	c := NewConversationCache()
	c.AddMessages("npc1", batch("m", 7, 3), 10, 7)
	require.True(t, c.HasOlderMessages("npc1"))
	oldest, ok := c.GetOldestLoadedIndex("npc1")
	require.True(t, ok)
	require.Equal(t, 7, oldest)

	c.AddMessages("npc1", batch("m", 0, 7), 10, 0)
	require.False(t, c.HasOlderMessages("npc1"))
	oldest, _ = c.GetOldestLoadedIndex("npc1")
	require.Equal(t, 0, oldest)
}

// TestBatchesMergeOutOfOrder delivers a live append before the recent
// window and checks the merged view is ascending and complete.
func TestBatchesMergeOutOfOrder(t *testing.T) {
	c := NewConversationCache()
	// live tail first (batch of one)
	c.AddMessages("npc1", batch("m", 9, 1), 10, 9)
	// then the recent window below it
	c.AddMessages("npc1", batch("m", 5, 4), 10, 5)

	msgs := c.Messages("npc1")
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("m%d", 5+i), m.ID, "position %d", i)
	}
}

// TestEmptyConversation has no entries and no older history.
func TestEmptyConversation(t *testing.T) {
	c := NewConversationCache()
	require.False(t, c.HasOlderMessages("npc1"))
	require.Equal(t, 0, c.GetTotalMessageCount("npc1"))
	_, ok := c.GetOldestLoadedIndex("npc1")
	require.False(t, ok)
}

// TestOlderBatchDoesNotTouchTotal: backfill below the window leaves the
// server-reported total alone.
func TestOlderBatchDoesNotTouchTotal(t *testing.T) {
	c := NewConversationCache()
	c.AddMessages("npc1", batch("m", 8, 2), 10, 8)
	c.AddMessages("npc1", batch("m", 0, 2), 0, 0)
	require.Equal(t, 10, c.GetTotalMessageCount("npc1"))
}

// TestTrimToLatest drops the oldest entries beyond the cap, recomputes the
// has-older flag and reports the retained ids.
func TestTrimToLatest(t *testing.T) {
	c := NewConversationCache()
	c.AddMessages("npc1", batch("m", 0, 10), 10, 0)
	require.False(t, c.HasOlderMessages("npc1"))

	retained := c.TrimToLatest(4)
	require.Equal(t, 4, c.LoadedCount("npc1"))
	require.True(t, c.HasOlderMessages("npc1"), "trim should re-expose older history")
	require.Len(t, retained, 4)
	for i := 6; i < 10; i++ {
		require.True(t, retained[fmt.Sprintf("m%d", i)], "m%d missing from retained set", i)
	}
	oldest, _ := c.GetOldestLoadedIndex("npc1")
	require.Equal(t, 6, oldest)
}

// TestMessageByIDScan finds a message across conversations.
func TestMessageByIDScan(t *testing.T) {
	c := NewConversationCache()
	c.AddMessages("npc1", batch("a", 0, 2), 2, 0)
	msgs := batch("b", 0, 2)
	for i := range msgs {
		msgs[i].EntityID = "npc2"
	}
	c.AddMessages("npc2", msgs, 2, 0)

	entityID, idx, m, ok := c.MessageByID("b1")
	require.True(t, ok)
	require.Equal(t, "npc2", entityID)
	require.Equal(t, 1, idx)
	require.Equal(t, "b1", m.ID)
}
