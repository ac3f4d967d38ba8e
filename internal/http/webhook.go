package http

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/events"
	ilog "your.org/session-hub/internal/log"
)

// Signature headers checked in order.
var signatureHeaders = []string{"X-Webhook-Hmac", "X-Hub-Signature-256", "X-Signature"}

func signature(r *http.Request) string {
	for _, h := range signatureHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

// handleWebhook always answers 200 {success}; failures are logged and
// recorded in the failure log so the provider never retries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	s.ingest(w, r, token, s.deps.Processor.Ingest)
}

func (s *Server) handleLegacyWebhook(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "", s.deps.Processor.IngestLegacy)
}

type ingestFunc func(ctx context.Context, d events.Delivery) (events.Result, error)

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, token string, fn ingestFunc) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.recordFailure(r.Context(), token, body, events.Result{}, errs.Validation("read body: %v", err))
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}
	res, err := fn(r.Context(), events.Delivery{Token: token, Body: body, Signature: signature(r)})
	if err != nil {
		s.recordFailure(r.Context(), token, body, res, err)
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}
	ilog.WithSession(res.SessionID).Debug("webhook %s handled: %s", res.Event, res.Action)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) recordFailure(ctx context.Context, token string, body []byte, res events.Result, err error) {
	kind := errs.KindName(err)
	ilog.WithSession(res.SessionID).Error("webhook failed token=%s event=%s kind=%s: %v",
		events.MaskToken(token), res.Event, kind, err)
	if s.deps.Failures == nil {
		return
	}
	f := events.NewFailure(token, body, err, kind)
	f.SessionID, f.TenantID, f.Event = res.SessionID, res.TenantID, res.Event
	if rerr := s.deps.Failures.Record(context.WithoutCancel(ctx), f); rerr != nil {
		ilog.Errorf("record webhook failure: %v", rerr)
	}
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Failures == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "failures": []events.Failure{}})
		return
	}
	list, err := s.deps.Failures.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "failures": list})
}
