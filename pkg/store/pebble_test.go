package store

import (
	"fmt"
	"sync"
	"testing"

	"parleydb/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entityMsg(entityID, text string, day int64) models.ChatMessage {
	return models.ChatMessage{
		Type:     models.MessageEntity,
		EntityID: entityID,
		Content:  models.ResolvedText(text),
		WorldDay: day,
	}
}

// TestAppendAssignsContiguousIndices verifies that sequential appends get
// indices 0..n-1 and the summary row tracks the count.
func TestAppendAssignsContiguousIndices(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		m := entityMsg("npc1", fmt.Sprintf("msg %d", i), int64(i))
		m.ID = fmt.Sprintf("m%d", i)
		idx, err := s.AppendMessage("team1", m, int64(i))
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if idx != i {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	n, err := s.MessageCount("team1", "npc1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected count 5, got %d", n)
	}
}

// TestConcurrentAppendsSameConversation hammers one conversation from many
// goroutines and checks the returned indices form {0..n-1} with no
// duplicates.
func TestConcurrentAppendsSameConversation(t *testing.T) {
	s := openTestStore(t)
	const n = 32

	indices := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := entityMsg("npc1", fmt.Sprintf("concurrent %d", i), 1)
			m.ID = fmt.Sprintf("c%d", i)
			idx, err := s.AppendMessage("team1", m, 1)
			if err != nil {
				t.Errorf("AppendMessage %d: %v", i, err)
				return
			}
			indices[i] = idx
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			t.Fatalf("index %d out of range [0,%d)", idx, n)
		}
		if seen[idx] {
			t.Fatalf("duplicate index %d", idx)
		}
		seen[idx] = true
	}

	count, err := s.MessageCount("team1", "npc1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != n {
		t.Fatalf("expected count %d, got %d", n, count)
	}
}

// TestTwoConcurrentAppends is the minimal two-writer case: both must land
// at distinct indices and the count must end at 2.
func TestTwoConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	idxs := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := entityMsg("npc1", fmt.Sprintf("pair %d", i), 1)
			m.ID = fmt.Sprintf("p%d", i)
			idx, err := s.AppendMessage("team1", m, 1)
			if err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
			idxs[i] = idx
		}(i)
	}
	wg.Wait()
	if idxs[0] == idxs[1] {
		t.Fatalf("both appends got index %d", idxs[0])
	}
	count, err := s.MessageCount("team1", "npc1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	for i := 0; i < 2; i++ {
		if _, _, _, err := s.LoadMessageByID("team1", fmt.Sprintf("p%d", i)); err != nil {
			t.Fatalf("LoadMessageByID p%d: %v", i, err)
		}
	}
}

// TestLoadOlderMessagesWindow appends 0..4 and checks that
// LoadOlderMessages(beforeIndex=5, count=3) returns [2,3,4] ascending.
func TestLoadOlderMessagesWindow(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		m := entityMsg("npc1", fmt.Sprintf("msg %d", i), int64(i))
		m.ID = fmt.Sprintf("m%d", i)
		if _, err := s.AppendMessage("team1", m, int64(i)); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	msgs, err := s.LoadOlderMessages("team1", "npc1", 5, 3)
	if err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
}

// TestForwardAndOlderRangesAreAdjacent checks that a forward read and the
// older window below it concatenate to the full append order.
func TestForwardAndOlderRangesAreAdjacent(t *testing.T) {
	s := openTestStore(t)
	const total = 10
	for i := 0; i < total; i++ {
		m := entityMsg("npc1", fmt.Sprintf("msg %d", i), int64(i))
		m.ID = fmt.Sprintf("m%d", i)
		if _, err := s.AppendMessage("team1", m, int64(i)); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	newer, err := s.LoadMessages("team1", "npc1", 6, 4)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	older, err := s.LoadOlderMessages("team1", "npc1", 6, 6)
	if err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}
	full := append(older, newer...)
	if len(full) != total {
		t.Fatalf("expected %d messages, got %d", total, len(full))
	}
	for i, m := range full {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d: got %s", i, m.ID)
		}
	}
}

// TestLoadMessagesPastTail returns fewer than requested at the end of the
// log without error.
func TestLoadMessagesPastTail(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		m := entityMsg("npc1", "x", 1)
		m.ID = fmt.Sprintf("m%d", i)
		if _, err := s.AppendMessage("team1", m, 1); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := s.LoadMessages("team1", "npc1", 2, 10)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("expected single tail message m2, got %v", msgs)
	}
}

// TestLoadMessageByID resolves the secondary index to the right
// conversation and position.
func TestLoadMessageByID(t *testing.T) {
	s := openTestStore(t)
	for _, entity := range []string{"npc1", "npc2"} {
		for i := 0; i < 3; i++ {
			m := entityMsg(entity, "x", 1)
			m.ID = fmt.Sprintf("%s-m%d", entity, i)
			if _, err := s.AppendMessage("team1", m, 1); err != nil {
				t.Fatalf("AppendMessage: %v", err)
			}
		}
	}
	entityID, index, msg, err := s.LoadMessageByID("team1", "npc2-m1")
	if err != nil {
		t.Fatalf("LoadMessageByID: %v", err)
	}
	if entityID != "npc2" || index != 1 || msg.ID != "npc2-m1" {
		t.Fatalf("got entity=%s index=%d id=%s", entityID, index, msg.ID)
	}
	if _, _, _, err := s.LoadMessageByID("team1", "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestUpdateMessagePayload swaps a payload in place without touching the
// index or the id.
func TestUpdateMessagePayload(t *testing.T) {
	s := openTestStore(t)
	m := entityMsg("npc1", "before", 1)
	m.ID = "m0"
	m.Actions = []models.ChatAction{{Label: models.ResolvedText("click")}}
	if _, err := s.AppendMessage("team1", m, 1); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	stripped := m.WithoutActions()
	if err := s.UpdateMessagePayload("team1", "npc1", 0, stripped); err != nil {
		t.Fatalf("UpdateMessagePayload: %v", err)
	}

	_, index, got, err := s.LoadMessageByID("team1", "m0")
	if err != nil {
		t.Fatalf("LoadMessageByID: %v", err)
	}
	if index != 0 || got.ID != "m0" {
		t.Fatalf("identity changed: index=%d id=%s", index, got.ID)
	}
	if got.HasActions() {
		t.Fatalf("actions survived the update")
	}

	meta, err := s.ConversationMeta("team1", "npc1")
	if err != nil {
		t.Fatalf("ConversationMeta: %v", err)
	}
	if meta.LastMessage == nil || meta.LastMessage.HasActions() {
		t.Fatalf("summary row not refreshed after payload update")
	}
}

// TestClearConversation wipes rows, locators and the summary.
func TestClearConversation(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 4; i++ {
		m := entityMsg("npc1", "x", 1)
		m.ID = fmt.Sprintf("m%d", i)
		if _, err := s.AppendMessage("team1", m, 1); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := s.ClearConversation("team1", "npc1"); err != nil {
		t.Fatalf("ClearConversation: %v", err)
	}
	n, err := s.MessageCount("team1", "npc1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty conversation, got %d", n)
	}
	if _, _, _, err := s.LoadMessageByID("team1", "m0"); err != ErrNotFound {
		t.Fatalf("expected locator gone, got %v", err)
	}
	// indices restart at zero after a clear
	m := entityMsg("npc1", "fresh", 2)
	m.ID = "fresh0"
	idx, err := s.AppendMessage("team1", m, 2)
	if err != nil {
		t.Fatalf("AppendMessage after clear: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected index 0 after clear, got %d", idx)
	}
}

// TestSummaryTracksLastEntityMessage checks that player messages never
// overwrite the last-entity pointer.
func TestSummaryTracksLastEntityMessage(t *testing.T) {
	s := openTestStore(t)
	em := entityMsg("npc1", "hello", 1)
	em.ID = "e0"
	if _, err := s.AppendMessage("team1", em, 1); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	pm := models.ChatMessage{
		ID: "p0", Type: models.MessagePlayer, EntityID: "npc1",
		PlayerID: "alice", Content: models.ResolvedText("hi"), WorldDay: 2,
	}
	if _, err := s.AppendMessage("team1", pm, 2); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	meta, err := s.ConversationMeta("team1", "npc1")
	if err != nil {
		t.Fatalf("ConversationMeta: %v", err)
	}
	if meta.LastMessage == nil || meta.LastMessage.ID != "p0" {
		t.Fatalf("last message should be p0")
	}
	if meta.LastEntityMessage == nil || meta.LastEntityMessage.ID != "e0" {
		t.Fatalf("last entity message should be e0")
	}
}

// TestTeamRoundTrip persists a team row and read states.
func TestTeamRoundTrip(t *testing.T) {
	s := openTestStore(t)
	team := models.Team{
		ID:      "team1",
		Title:   "The Regulars",
		Color:   models.ColorBlue,
		Members: []string{"alice", "bob"},
		Data:    map[string]any{"tavern": "The Prancing Pony"},
	}
	if err := s.SaveTeam(team); err != nil {
		t.Fatalf("SaveTeam: %v", err)
	}
	got, err := s.LoadTeam("team1")
	if err != nil {
		t.Fatalf("LoadTeam: %v", err)
	}
	if got.Title != team.Title || got.Color != team.Color || len(got.Members) != 2 {
		t.Fatalf("team mismatch: %+v", got)
	}

	rs := models.PlayerReadState{PlayerID: "alice", EntityID: "npc1", ReadCount: 7, Revision: 3}
	if err := s.SaveReadState("team1", rs); err != nil {
		t.Fatalf("SaveReadState: %v", err)
	}
	states, err := s.LoadReadStates("team1", "alice")
	if err != nil {
		t.Fatalf("LoadReadStates: %v", err)
	}
	if len(states) != 1 || states[0].ReadCount != 7 {
		t.Fatalf("read states mismatch: %+v", states)
	}
}
