package http

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"

	"your.org/session-hub/internal/session"
)

type sessionResponse struct {
	Success bool            `json:"success"`
	Session session.Session `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TenantID = mux.Vars(r)["tenant"]
	sess, err := s.deps.Sessions.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Success: true, Session: sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.List(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": list})
}

type sessionOp func(ctx context.Context, id string) (session.Session, error)

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op sessionOp) {
	sess, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Sessions.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Sessions.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Sessions.Restart)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Sessions.Status)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleQR returns {success, image?, message?}.  With ?format=png the image
// is served as raw image/png bytes instead.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sessions.QRCode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") != "png" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	buf, err := base64.StdEncoding.DecodeString(res.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req session.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.SessionID = mux.Vars(r)["id"]
	res, err := s.deps.Sessions.SendMessage(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"success": false, "message": "reconciliation disabled"})
		return
	}
	rep, err := s.deps.Reconciler.Reconcile(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": rep})
}
