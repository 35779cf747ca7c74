// Package api is the admin/backend HTTP surface: health probes, metrics,
// team inspection and the backend append path. Game clients use the
// websocket transport; nothing here is on a player's hot path.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parleydb/pkg/httpx"
	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/registry"
	"parleydb/pkg/store"
	"parleydb/pkg/syncer"
	"parleydb/pkg/utils"
	"parleydb/pkg/validation"
)

// Server holds the handler dependencies.
type Server struct {
	reg    *registry.Registry
	store  *store.Store
	coord  *syncer.Coordinator
	limits validation.Limits
}

func New(reg *registry.Registry, st *store.Store, coord *syncer.Coordinator) *Server {
	return &Server{reg: reg, store: st, coord: coord, limits: validation.DefaultLimits}
}

// Router builds the route table. Authentication and telemetry wrap the
// returned handler in the app layer.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/healthz", httpx.NetHTTPAdapter(s.HealthHandler())).Methods(http.MethodGet)
	r.Handle("/readyz", httpx.NetHTTPAdapter(s.ReadyHandler())).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/teams", s.handleListTeams).Methods(http.MethodGet)
	v1.HandleFunc("/teams/{id}", s.handleGetTeam).Methods(http.MethodGet)
	v1.HandleFunc("/teams/{id}", s.handleUpdateTeam).Methods(http.MethodPatch)
	v1.HandleFunc("/teams/{id}/conversations", s.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/teams/{id}/conversations", s.handleClearAllConversations).Methods(http.MethodDelete)
	v1.HandleFunc("/teams/{id}/conversations/{entity}/messages", s.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/teams/{id}/conversations/{entity}/messages", s.handleAppendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/teams/{id}/conversations/{entity}/messages", s.handleClearConversation).Methods(http.MethodDelete)
	v1.HandleFunc("/teams/{id}/messages/{messageId}", s.handleGetMessageByID).Methods(http.MethodGet)
	return r
}

// HealthHandler and ReadyHandler are transport-neutral so deployments that
// front the admin surface with fasthttp can mount them through the other
// adapter.
func (s *Server) HealthHandler() httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, _ *httpx.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) ReadyHandler() httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, _ *httpx.Request) {
		if !s.store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleListTeams(w http.ResponseWriter, _ *http.Request) {
	teams := s.reg.AllTeams()
	out := make([]map[string]any, 0, len(teams))
	for _, t := range teams {
		out = append(out, map[string]any{
			"id":       t.ID,
			"title":    t.Title,
			"color":    t.Color.String(),
			"members":  t.Members,
			"revision": s.reg.Revision(t.ID),
		})
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"teams": out})
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	q := mux.Vars(r)["id"]
	team, ok := s.reg.FindTeamByIDOrTitle(q)
	if !ok {
		utils.JSONError(w, http.StatusNotFound, "team not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"id":            team.ID,
		"title":         team.Title,
		"color":         team.Color.String(),
		"members":       team.Members,
		"data":          team.Data,
		"revision":      s.reg.Revision(team.ID),
		"conversations": s.reg.Conversations(team.ID),
	})
}

// handleUpdateTeam patches title/color/data. Every change bumps the team
// revision and pushes fresh metadata to online members.
func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["id"]
	var body struct {
		Title *string        `json:"title"`
		Color *string        `json:"color"`
		Data  map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Title != nil {
		if err := s.reg.SetTitle(teamID, *body.Title); err != nil {
			utils.JSONError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	if body.Color != nil {
		if err := s.reg.SetColor(teamID, models.ParseTeamColor(*body.Color)); err != nil {
			utils.JSONError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	for k, v := range body.Data {
		if err := s.reg.SetTeamData(teamID, k, v); err != nil {
			utils.JSONError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	s.coord.BroadcastTeamMeta(teamID)
	logger.Info("team_updated", "team", teamID)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"revision": s.reg.Revision(teamID)})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["id"]
	if _, ok := s.reg.Team(teamID); !ok {
		utils.JSONError(w, http.StatusNotFound, "team not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"team":          teamID,
		"conversations": s.reg.Conversations(teamID),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID, entityID := vars["id"], vars["entity"]
	total := s.reg.MessageCount(teamID, entityID)

	start := 0
	count := total
	if v := r.URL.Query().Get("start"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			start = n
		}
	}
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			count = n
		}
	}

	msgs, err := s.store.LoadMessages(teamID, entityID, start, count)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"team":        teamID,
		"entity":      entityID,
		"start_index": start,
		"total_count": total,
		"messages":    msgs,
	})
}

// handleAppendMessage is the backend append path: NPC dialogue generated by
// game logic enters here, goes through the registry (the only legal append
// path) and fans out live over the coordinator.
func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID, entityID := vars["id"], vars["entity"]

	var msg models.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msg.EntityID = entityID
	if msg.ID == "" {
		msg.ID = utils.GenMessageID()
	}
	if msg.Type == "" {
		msg.Type = models.MessageEntity
	}
	if err := validation.ValidateMessage(msg, s.limits); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	index, err := s.coord.SendMessageToTeam(teamID, msg)
	if errors.Is(err, registry.ErrUnknownTeam) {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("message_appended", "team", teamID, "entity", entityID, "index", index,
		"elapsed_ms", time.Since(start).Milliseconds())
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]any{
		"id":          msg.ID,
		"index":       index,
		"total_count": index + 1,
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID, entityID := vars["id"], vars["entity"]
	if err := s.reg.ClearConversation(teamID, entityID); err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.coord.BroadcastTeamMeta(teamID)
	logger.Info("conversation_cleared", "team", teamID, "entity", entityID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAllConversations(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["id"]
	if err := s.reg.ClearAllConversations(teamID); err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.coord.BroadcastTeamMeta(teamID)
	logger.Info("team_conversations_cleared", "team", teamID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessageByID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID, messageID := vars["id"], vars["messageId"]
	entityID, index, msg, err := s.store.LoadMessageByID(teamID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"entity":  entityID,
		"index":   index,
		"message": msg,
	})
}
