package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"parleydb/pkg/auth"
	"parleydb/pkg/models"
	"parleydb/pkg/registry"
	"parleydb/pkg/store"
	"parleydb/pkg/syncer"
	"parleydb/pkg/template"
)

type testAPI struct {
	reg *registry.Registry
	srv *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg, err := registry.New(st)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	coord := syncer.New(reg, st, template.NewRegistry(), template.NewEvaluator(), syncer.Config{})

	handler := auth.Middleware(auth.SecConfig{
		RPS:         1000,
		Burst:       1000,
		BackendKeys: auth.KeySet([]string{"backend-key"}),
		AdminKeys:   auth.KeySet([]string{"admin-key"}),
	})(New(reg, st, coord).Router())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testAPI{reg: reg, srv: srv}
}

func (a *testAPI) do(t *testing.T, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (a *testAPI) seedTeam(t *testing.T) string {
	t.Helper()
	team, err := a.reg.GetOrCreateTeam("alice")
	if err != nil {
		t.Fatalf("seed team: %v", err)
	}
	return team.ID
}

// TestHealthEndpointsUnauthenticated verifies probes pass without a key
// while the rest of the surface does not.
func TestHealthEndpointsUnauthenticated(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, body := a.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s = %d: %s", path, resp.StatusCode, body)
		}
	}

	resp, _ := a.do(t, http.MethodGet, "/v1/teams", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /v1/teams = %d", resp.StatusCode)
	}
	resp, _ = a.do(t, http.MethodGet, "/v1/teams", "wrong-key", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key /v1/teams = %d", resp.StatusCode)
	}
}

// TestAppendAndListMessages drives the backend append path end to end and
// reads the history back through the admin list endpoint.
func TestAppendAndListMessages(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)

	for i := 0; i < 3; i++ {
		resp, body := a.do(t, http.MethodPost,
			fmt.Sprintf("/v1/teams/%s/conversations/npc:smith/messages", teamID),
			"backend-key",
			map[string]any{"content": map[string]string{"compiled": fmt.Sprintf("line %d", i)}})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("append %d = %d: %s", i, resp.StatusCode, body)
		}
		var out struct {
			ID         string `json:"id"`
			Index      int    `json:"index"`
			TotalCount int    `json:"total_count"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode append response: %v", err)
		}
		if out.Index != i || out.TotalCount != i+1 || out.ID == "" {
			t.Fatalf("append response %d: %+v", i, out)
		}
	}

	resp, body := a.do(t, http.MethodGet,
		fmt.Sprintf("/v1/teams/%s/conversations/npc:smith/messages?start=1&count=2", teamID),
		"backend-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d: %s", resp.StatusCode, body)
	}
	var page struct {
		StartIndex int                  `json:"start_index"`
		TotalCount int                  `json:"total_count"`
		Messages   []models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if page.StartIndex != 1 || page.TotalCount != 3 || len(page.Messages) != 2 {
		t.Fatalf("page: %+v", page)
	}
	if page.Messages[0].Content.Compiled != "line 1" {
		t.Fatalf("wrong window content: %q", page.Messages[0].Content.Compiled)
	}
}

// TestAppendValidation verifies garbage payloads and unknown teams are
// rejected before reaching the registry.
func TestAppendValidation(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)

	// Empty message.
	resp, _ := a.do(t, http.MethodPost,
		fmt.Sprintf("/v1/teams/%s/conversations/npc:smith/messages", teamID),
		"backend-key", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message = %d", resp.StatusCode)
	}

	// Unknown team.
	resp, _ = a.do(t, http.MethodPost,
		"/v1/teams/tm_ghost/conversations/npc:smith/messages",
		"backend-key",
		map[string]any{"content": map[string]string{"compiled": "hi"}})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown team = %d", resp.StatusCode)
	}
}

// TestUpdateTeam patches the title and checks the revision moves.
func TestUpdateTeam(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)
	before := a.reg.Revision(teamID)

	resp, body := a.do(t, http.MethodPatch, "/v1/teams/"+teamID, "admin-key",
		map[string]any{"title": "Renamed", "color": "red", "data": map[string]any{"motd": "hi"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d: %s", resp.StatusCode, body)
	}

	team, ok := a.reg.Team(teamID)
	if !ok || team.Title != "Renamed" {
		t.Fatalf("title not applied: %+v", team)
	}
	if team.Data["motd"] != "hi" {
		t.Fatalf("data not applied: %+v", team.Data)
	}
	if a.reg.Revision(teamID) <= before {
		t.Fatalf("revision did not move")
	}

	resp, _ = a.do(t, http.MethodPatch, "/v1/teams/tm_ghost", "admin-key",
		map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch unknown team = %d", resp.StatusCode)
	}
}

// TestClearConversationAndLookup exercises the destructive admin path and
// the message-by-id index.
func TestClearConversationAndLookup(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)

	msg := models.ChatMessage{
		ID:       "m1",
		Type:     models.MessageEntity,
		EntityID: "npc:smith",
		Content:  models.ResolvedText("hello"),
	}
	if _, err := a.reg.AppendMessage(teamID, msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp, body := a.do(t, http.MethodGet, fmt.Sprintf("/v1/teams/%s/messages/m1", teamID), "backend-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup = %d: %s", resp.StatusCode, body)
	}
	var found struct {
		EntityID string             `json:"entity"`
		Index    int                `json:"index"`
		Message  models.ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &found); err != nil {
		t.Fatalf("decode lookup: %v", err)
	}
	if found.EntityID != "npc:smith" || found.Index != 0 || found.Message.ID != "m1" {
		t.Fatalf("lookup result: %+v", found)
	}

	resp, _ = a.do(t, http.MethodDelete,
		fmt.Sprintf("/v1/teams/%s/conversations/npc:smith/messages", teamID), "admin-key", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear = %d", resp.StatusCode)
	}

	resp, _ = a.do(t, http.MethodGet, fmt.Sprintf("/v1/teams/%s/messages/m1", teamID), "backend-key", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("lookup after clear = %d", resp.StatusCode)
	}
}

// TestClearAllConversations wipes every conversation of the team in one
// call.
func TestClearAllConversations(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)
	for _, entity := range []string{"npc:smith", "npc:baker"} {
		msg := models.ChatMessage{
			Type:     models.MessageEntity,
			EntityID: entity,
			Content:  models.ResolvedText("hi"),
		}
		if _, err := a.reg.AppendMessage(teamID, msg); err != nil {
			t.Fatalf("seed %s: %v", entity, err)
		}
	}

	resp, _ := a.do(t, http.MethodDelete, fmt.Sprintf("/v1/teams/%s/conversations", teamID), "admin-key", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear all = %d", resp.StatusCode)
	}
	for _, entity := range []string{"npc:smith", "npc:baker"} {
		if n := a.reg.MessageCount(teamID, entity); n != 0 {
			t.Fatalf("%s kept %d messages", entity, n)
		}
	}
}

func TestListTeams(t *testing.T) {
	a := newTestAPI(t)
	teamID := a.seedTeam(t)

	resp, body := a.do(t, http.MethodGet, "/v1/teams", "backend-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list teams = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Teams []struct {
			ID      string   `json:"id"`
			Members []string `json:"members"`
		} `json:"teams"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Teams) != 1 || out.Teams[0].ID != teamID || out.Teams[0].Members[0] != "alice" {
		t.Fatalf("teams: %+v", out.Teams)
	}
}
