package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/session-hub/internal/errs"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second})
}

func TestCreateRemoteSessionSendsWebhookConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		var body struct {
			Name   string `json:"name"`
			Config struct {
				Webhooks []webhookDTO `json:"webhooks"`
			} `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "t1_123", body.Name)
		require.Len(t, body.Config.Webhooks, 1)
		require.Equal(t, "https://hub/webhook/tok", body.Config.Webhooks[0].URL)
		require.Equal(t, "sec", body.Config.Webhooks[0].HMAC.Key)
		require.Equal(t, DefaultWebhookEvents, body.Config.Webhooks[0].Events)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"t1_123","status":"STOPPED"}`))
	})
	rs, err := c.CreateRemoteSession(context.Background(), "t1_123", WebhookConfig{URL: "https://hub/webhook/tok", HMACKey: "sec"})
	require.NoError(t, err)
	assert.Equal(t, RemoteStopped, rs.Status)
}

func TestCreateRemoteSessionConflictResolvesByLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case r.URL.Path == "/api/sessions/t1_123":
			_, _ = w.Write([]byte(`{"name":"t1_123","status":"WORKING","me":{"id":"5511999999999@c.us","pushName":"Ana"}}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	})
	rs, err := c.CreateRemoteSession(context.Background(), "t1_123", WebhookConfig{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, RemoteWorking, rs.Status)
	assert.Equal(t, "5511999999999", rs.Profile.PhoneNumber())
}

func TestUpdateRemoteWebhookReplacesConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/t1_123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, http.MethodPut, r.Method)
		var body struct {
			Config struct {
				Webhooks []webhookDTO `json:"webhooks"`
			} `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Config.Webhooks, 1)
		assert.Equal(t, "https://hub/webhook/new", body.Config.Webhooks[0].URL)
		assert.Equal(t, "k2", body.Config.Webhooks[0].HMAC.Key)
		_, _ = w.Write([]byte(`{"name":"t1_123","status":"WORKING"}`))
	})
	ctx := context.Background()
	require.NoError(t, c.UpdateRemoteWebhook(ctx, "t1_123", WebhookConfig{URL: "https://hub/webhook/new", HMACKey: "k2"}))
	err := c.UpdateRemoteWebhook(ctx, "t1_gone", WebhookConfig{URL: "u"})
	assert.ErrorIs(t, err, errs.ErrProviderNotFound)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		kind error
	}{
		{http.StatusNotFound, errs.ErrProviderNotFound},
		{http.StatusTooManyRequests, errs.ErrRateLimited},
		{http.StatusBadGateway, errs.ErrProviderUnavailable},
		{http.StatusInternalServerError, errs.ErrProviderUnavailable},
		{http.StatusBadRequest, errs.ErrValidation},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		})
		err := c.StartRemoteSession(context.Background(), "s")
		assert.Truef(t, errors.Is(err, tc.kind), "status %d => %v", tc.code, err)
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	c := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.GetRemoteSessionStatus(context.Background(), "s")
	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
}

func TestTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, _, err := c.GetQRCode(context.Background(), "s")
	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGetQRCodeRendersRawValue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/t1_123/auth/qr", r.URL.Path)
		require.Equal(t, "raw", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"value":"2@abcdef,xyz"}`))
	})
	img, ok, err := c.GetQRCode(context.Background(), "t1_123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2@abcdef,xyz", img.Raw)
	assert.True(t, isPNG(img.PNG))
	assert.NotEmpty(t, img.Base64())
}

func TestGetQRCodeAbsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	_, ok, err := c.GetQRCode(context.Background(), "t1_123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendTextExtractsMessageID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "5511988887777@c.us", body["chatId"])
		_, _ = w.Write([]byte(`{"id":{"fromMe":true,"_serialized":"true_5511988887777@c.us_ABC"}}`))
	})
	id, err := c.SendText(context.Background(), "t1_123", "5511988887777", "hi")
	require.NoError(t, err)
	assert.Equal(t, "true_5511988887777@c.us_ABC", id)
}

func TestSendMediaPicksImageEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sendImage", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"MID1"}`))
	})
	id, err := c.SendMedia(context.Background(), "t1_123", "5511988887777", MediaBody{URL: "https://x/y.png", MimeType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "MID1", id)
}

func TestGetContactProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/contacts":
			_, _ = w.Write([]byte(`{"id":"5511988887777@c.us","pushname":"Bia"}`))
		case "/api/contacts/profile-picture":
			_, _ = w.Write([]byte(`{"profilePictureURL":"https://pps/bia.jpg"}`))
		}
	})
	p, err := c.GetContactProfile(context.Background(), "t1_123", "5511988887777")
	require.NoError(t, err)
	assert.Equal(t, "Bia", p.Name)
	assert.Equal(t, "https://pps/bia.jpg", p.AvatarURL)
}

func TestListRemoteSessions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("all"))
		_, _ = w.Write([]byte(`[{"name":"t1_a","status":"WORKING"},{"name":"t2_b","status":"STOPPED"}]`))
	})
	list, err := c.ListRemoteSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t2_b", list[1].Name)
}

func TestProfilePhoneNumber(t *testing.T) {
	assert.Equal(t, "5562991728088", (&Profile{ID: "5562991728088:3@s.whatsapp.net"}).PhoneNumber())
	assert.Equal(t, "", (*Profile)(nil).PhoneNumber())
	assert.Equal(t, "5562991728088@c.us", ChatID("+55 (62) 99172-8088"))
	assert.Equal(t, "123-456@g.us", ChatID("123-456@g.us"))
}

func TestQRFromInline(t *testing.T) {
	img, err := RenderQR("2@raw")
	require.NoError(t, err)
	got, ok := QRFromInline("data:image/png;base64," + img.Base64())
	require.True(t, ok)
	assert.Equal(t, img.PNG, got.PNG)

	got, ok = QRFromInline("2@raw")
	require.True(t, ok)
	assert.Equal(t, "2@raw", got.Raw)

	_, ok = QRFromInline("  ")
	assert.False(t, ok)
}
