package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Conversations.ListConversations(r.Context(), mux.Vars(r)["tenant"], conversation.Filter{
		Search:    q.Get("search"),
		Archived:  queryBool(r, "archived"),
		SessionID: q.Get("sessionId"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversations": list})
}

// conversationFor loads the conversation and, when ?tenantId= is given,
// hides conversations of other tenants.
func (s *Server) conversationFor(r *http.Request) (conversation.Conversation, error) {
	c, err := s.deps.Conversations.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return c, err
	}
	if t := r.URL.Query().Get("tenantId"); t != "" && t != c.TenantID {
		return conversation.Conversation{}, errs.NotFound("conversation %s not found", c.ID)
	}
	return c, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.deps.Conversations.ListMessages(r.Context(), c.ID, conversation.Page{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err = s.deps.Conversations.MarkRead(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": c})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Archived *bool `json:"archived"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	archived := body.Archived == nil || *body.Archived
	c, err := s.conversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err = s.deps.Conversations.SetArchived(r.Context(), c.ID, archived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": c})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.conversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err = s.deps.Conversations.SetTags(r.Context(), c.ID, body.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": c})
}
