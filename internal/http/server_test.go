package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/events"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/provider/providertest"
	"your.org/session-hub/internal/reconcile"
	"your.org/session-hub/internal/session"
	"your.org/session-hub/internal/storage"
	"your.org/session-hub/internal/webhook"
)

type apiHarness struct {
	srv    *Server
	ts     *httptest.Server
	gw     *providertest.Gateway
	stores *storage.Stores
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	st := storage.Memory()
	gw := providertest.New()
	router := webhook.NewRouter(st.Webhooks, func(ctx context.Context, name string) (string, error) {
		s, err := st.Sessions.Get(ctx, name)
		return s.TenantID, err
	})
	locks := session.NewKeyedMutex()
	enricher := contacts.NewEnricher(st.Contacts, gw)
	t.Cleanup(enricher.Wait)

	svc := session.NewService(session.Deps{
		Registry: st.Sessions, Locks: locks, Router: router, Gateway: gw,
		Conversations: st.Conversations, Contacts: enricher,
	}, session.Options{PublicBaseURL: "https://hub.example"})
	proc := events.NewProcessor(events.Deps{
		Registry: st.Sessions, Locks: locks, Router: router, Gateway: gw,
		Conversations: st.Conversations, Contacts: enricher,
	}, events.Options{AllowLegacy: true})
	rec := reconcile.New(reconcile.Deps{Registry: st.Sessions, Locks: locks, Router: router, Gateway: gw}, "https://hub.example", nil)

	srv := NewServer(":0", Deps{
		Sessions: svc, Processor: proc, Conversations: st.Conversations,
		Failures: st.Failures, Reconciler: rec,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{srv: srv, ts: ts, gw: gw, stores: st}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func statusEvent(sess, status string) map[string]any {
	return map[string]any{
		"event":   "session.status",
		"session": sess,
		"payload": map[string]any{"status": status},
		"me":      map[string]any{"id": "5511999999999@c.us", "pushName": "Store"},
	}
}

func messageEvent(sess, id, from, text string) map[string]any {
	return map[string]any{
		"event":   "message",
		"session": sess,
		"payload": map[string]any{
			"id": id, "from": from, "to": "5511999999999@c.us", "fromMe": false,
			"body": text, "timestamp": 1767225600, "notifyName": "Ana",
		},
	}
}

func (h *apiHarness) createSession(t *testing.T) session.Session {
	t.Helper()
	resp, out := h.do(t, http.MethodPost, "/tenants/t1/sessions", map[string]any{"name": "123", "displayName": "Front"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	sess, err := h.stores.Sessions.Get(context.Background(), "t1_123")
	require.NoError(t, err)
	return sess
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newAPI(t)
	sess := h.createSession(t)
	assert.Equal(t, "https://hub.example/webhook/"+sess.WebhookToken, sess.WebhookURL)

	resp, out := h.do(t, http.MethodPost, "/tenants/t1/sessions", map[string]any{"name": "123"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	assert.NotEmpty(t, out["message"])

	resp, out = h.do(t, http.MethodPost, "/sessions/t1_123/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "starting", out["session"].(map[string]any)["status"])

	h.gw.SetQR("t1_123", "2@pairing-ref")
	resp, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, statusEvent("t1_123", "SCAN_QR_CODE"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	resp, out = h.do(t, http.MethodGet, "/sessions/t1_123/qr", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["image"])

	resp, _ = h.do(t, http.MethodGet, "/sessions/t1_123/qr?format=png", nil)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	_, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, statusEvent("t1_123", "WORKING"))
	assert.Equal(t, true, out["success"])
	_, out = h.do(t, http.MethodGet, "/sessions/t1_123/status", nil)
	st := out["session"].(map[string]any)
	assert.Equal(t, "connected", st["status"])
	assert.Equal(t, "5511999999999", st["phoneNumber"])

	_, out = h.do(t, http.MethodGet, "/tenants/t1/sessions", nil)
	assert.Len(t, out["sessions"], 1)

	resp, out = h.do(t, http.MethodPost, "/sessions/t1_123/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disconnected", out["session"].(map[string]any)["status"])

	resp, out = h.do(t, http.MethodPost, "/sessions/t1_123/messages", map[string]any{"to": "5511988887777", "text": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "session not connected", out["message"])
	assert.Zero(t, h.gw.CallCount("SendText"))

	resp, _ = h.do(t, http.MethodPost, "/sessions/t1_999/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/sessions/t1_123", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, statusEvent("t1_123", "WORKING"))
	assert.Equal(t, false, out["success"])
}

func TestMessagesOverHTTP(t *testing.T) {
	h := newAPI(t)
	sess := h.createSession(t)
	h.do(t, http.MethodPost, "/sessions/t1_123/start", nil)
	h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, statusEvent("t1_123", "WORKING"))

	in := messageEvent("t1_123", "false_5511988887777@c.us_A1", "5511988887777@c.us", "hello")
	for i := 0; i < 2; i++ {
		_, out := h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, in)
		assert.Equal(t, true, out["success"])
	}

	resp, out := h.do(t, http.MethodPost, "/sessions/t1_123/messages", map[string]any{"to": "+55 11 98888-7777", "text": "hi back"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["providerMessageId"])

	_, out = h.do(t, http.MethodGet, "/tenants/t1/conversations", nil)
	convs := out["conversations"].([]any)
	require.Len(t, convs, 1)
	conv := convs[0].(map[string]any)
	assert.Equal(t, "5511988887777", conv["counterpartyAddress"])
	assert.Equal(t, float64(1), conv["unreadCount"])
	id := conv["id"].(string)

	_, out = h.do(t, http.MethodGet, "/conversations/"+id+"/messages", nil)
	assert.Len(t, out["messages"], 2)
	resp, _ = h.do(t, http.MethodGet, "/conversations/"+id+"/messages?tenantId=t2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, out = h.do(t, http.MethodPost, "/conversations/"+id+"/read", nil)
	assert.Equal(t, float64(0), out["conversation"].(map[string]any)["unreadCount"])

	_, out = h.do(t, http.MethodPut, "/conversations/"+id+"/tags", map[string]any{"tags": []string{"vip"}})
	assert.Equal(t, []any{"vip"}, out["conversation"].(map[string]any)["tags"])
	_, out = h.do(t, http.MethodPost, "/conversations/"+id+"/archive", map[string]any{})
	assert.Equal(t, true, out["conversation"].(map[string]any)["archived"])
	_, out = h.do(t, http.MethodGet, "/tenants/t1/conversations?archived=false", nil)
	assert.Empty(t, out["conversations"])

	resp, _ = h.do(t, http.MethodGet, "/conversations/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookFailuresAreRecordedButAnswered200(t *testing.T) {
	h := newAPI(t)
	resp, out := h.do(t, http.MethodPost, "/webhook/unknown-token-value", statusEvent("t1_123", "WORKING"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["success"])

	sess := h.createSession(t)
	resp, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, []byte(`{not json`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["success"])

	raw, _ := json.Marshal(statusEvent("t1_123", "STARTING"))
	_, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, raw, "X-Webhook-Hmac", "deadbeef")
	assert.Equal(t, false, out["success"])
	_, out = h.do(t, http.MethodPost, "/webhook/"+sess.WebhookToken, raw,
		"X-Webhook-Hmac", webhook.Sign(raw, mustSecret(t, h, sess.WebhookToken)))
	assert.Equal(t, true, out["success"])

	_, out = h.do(t, http.MethodGet, "/webhook-failures?limit=10", nil)
	failures := out["failures"].([]any)
	require.Len(t, failures, 3)
	newest := failures[0].(map[string]any)
	assert.Equal(t, "validation", newest["kind"])
	assert.Equal(t, "t1_123", newest["sessionId"])
	oldest := failures[2].(map[string]any)
	assert.Equal(t, "not_found", oldest["kind"])
	assert.Equal(t, "unknow...", oldest["token"])
}

func mustSecret(t *testing.T, h *apiHarness, token string) string {
	t.Helper()
	reg, err := h.stores.Webhooks.ByToken(context.Background(), token)
	require.NoError(t, err)
	return reg.Secret
}

func TestLegacyWebhook(t *testing.T) {
	h := newAPI(t)
	h.createSession(t)
	h.do(t, http.MethodPost, "/sessions/t1_123/start", nil)
	_, out := h.do(t, http.MethodPost, "/webhook", map[string]any{
		"event": "session.status", "session": map[string]any{"name": "t1_123"}, "payload": map[string]any{"status": "WORKING"},
	})
	assert.Equal(t, true, out["success"])
	s, err := h.stores.Sessions.Get(context.Background(), "t1_123")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, s.Status)
}

func TestReconcileEndpoint(t *testing.T) {
	h := newAPI(t)
	h.gw.Put(provider.RemoteSession{Name: "t1_remote", Status: provider.RemoteWorking})
	resp, out := h.do(t, http.MethodPost, "/tenants/t1/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := out["report"].(map[string]any)
	assert.Equal(t, []any{"t1_remote"}, rep["created"])
	_, err := h.stores.Sessions.Get(context.Background(), "t1_remote")
	assert.NoError(t, err)
}

func TestProbes(t *testing.T) {
	h := newAPI(t)
	resp, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	h.srv.MarkReady(true)
	resp, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)


	down := NewServer(":0", Deps{Ready: func(context.Context) error { return assert.AnError }})
	down.MarkReady(true)
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	h := newAPI(t)
	resp, out := h.do(t, http.MethodPost, "/tenants/t1/sessions", []byte(`{"name":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	resp, _ = h.do(t, http.MethodPost, "/tenants/t1/sessions", map[string]any{"name": "bad name!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
