package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/notify"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/provider/providertest"
	"your.org/session-hub/internal/webhook"
)

type harness struct {
	svc      *Service
	gw       *providertest.Gateway
	registry *MemoryRegistry
	router   *webhook.Router
	convs    *conversation.MemoryStore
	rec      *notify.Recorder
	enricher *contacts.Enricher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gw:       providertest.New(),
		registry: NewMemoryRegistry(),
		router:   webhook.NewRouter(webhook.NewMemoryStore(), nil),
		convs:    conversation.NewMemoryStore(),
		rec:      notify.NewRecorder(64),
	}
	h.enricher = contacts.NewEnricher(contacts.NewMemoryDirectory(), h.gw)
	h.svc = NewService(Deps{
		Registry:      h.registry,
		Locks:         NewKeyedMutex(),
		Router:        h.router,
		Gateway:       h.gw,
		Conversations: h.convs,
		Contacts:      h.enricher,
		Notifier:      h.rec,
	}, Options{PublicBaseURL: "https://hub.example", ArchiveOnDelete: true})
	t.Cleanup(h.enricher.Wait)
	return h
}

func (h *harness) create(t *testing.T) Session {
	t.Helper()
	s, err := h.svc.Create(context.Background(), CreateRequest{TenantID: "t1", Name: "123", DisplayName: "Sales"})
	require.NoError(t, err)
	return s
}

// force stores a status without going through the state machine.
func (h *harness) force(t *testing.T, id string, st Status) {
	t.Helper()
	s, err := h.registry.Get(context.Background(), id)
	require.NoError(t, err)
	s.Status = st
	require.NoError(t, h.registry.Save(context.Background(), s))
}

func TestCreateRegistersWebhookAndRemoteSession(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	assert.Equal(t, "t1_123", s.ID)
	assert.Equal(t, StatusCreated, s.Status)
	assert.Equal(t, TypeOwnNumber, s.Type)
	assert.Equal(t, "Sales", s.DisplayName)
	assert.True(t, strings.HasPrefix(s.WebhookURL, "https://hub.example/webhook/"))

	hook, ok := h.gw.Hook("t1_123")
	require.True(t, ok)
	assert.Equal(t, s.WebhookURL, hook.URL)

	res, err := h.router.Resolve(context.Background(), s.WebhookToken)
	require.NoError(t, err)
	assert.Equal(t, hook.HMACKey, res.Secret)
	assert.Equal(t, "t1", res.TenantID)

	notes := h.rec.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, "created", notes[0].Status)
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	_, err := h.svc.Create(context.Background(), CreateRequest{TenantID: "t1", Name: "123"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestCreateRemoteFailureRevokesRegistration(t *testing.T) {
	h := newHarness(t)
	h.gw.Err = &errs.Error{Kind: errs.ErrProviderUnavailable, Msg: "down"}
	_, err := h.svc.Create(context.Background(), CreateRequest{TenantID: "t1", Name: "123"})
	require.ErrorIs(t, err, errs.ErrProviderUnavailable)

	_, err = h.router.LookupBySession(context.Background(), "t1_123")
	assert.True(t, errs.IsNotFound(err))
	_, err = h.registry.Get(context.Background(), "t1_123")
	assert.True(t, errs.IsNotFound(err))
}

func TestStartAndStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)

	s, err := h.svc.Start(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status)

	s, err = h.svc.Start(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status)
	assert.Equal(t, 1, h.gw.CallCount("StartRemoteSession"))

	s, err = h.svc.Stop(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, s.Status)
}

func TestStartRecreatesMissingRemoteSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created := h.create(t)
	h.gw.Drop("t1_123")

	s, err := h.svc.Start(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status)
	assert.Equal(t, 2, h.gw.CallCount("CreateRemoteSession"))

	hook, _ := h.gw.Hook("t1_123")
	assert.Equal(t, created.WebhookURL, hook.URL)
}

func TestRestartFromFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusFailed)

	s, err := h.svc.Restart(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status)
	assert.Equal(t, 1, h.gw.CallCount("StopRemoteSession"))
	assert.Equal(t, 1, h.gw.CallCount("StartRemoteSession"))
}

func TestRestartStoresEveryStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusConnected)
	h.rec.Drain()

	s, err := h.svc.Restart(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status)

	prev := StatusConnected
	var seen []Status
	for _, n := range h.rec.Drain() {
		if n.Kind != notify.KindSessionStatus {
			continue
		}
		next := Status(n.Status)
		assert.True(t, CanTransition(prev, next), "%s -> %s", prev, next)
		seen = append(seen, next)
		prev = next
	}
	assert.Equal(t, []Status{StatusDisconnected, StatusStarting}, seen)
}

func TestSendMessageRequiresConnectedSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusDisconnected)

	_, err := h.svc.SendMessage(ctx, SendRequest{SessionID: "t1_123", To: "5511988887777", Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, "session not connected", err.Error())
	assert.Zero(t, h.gw.CallCount("SendText"))
	assert.Zero(t, h.gw.CallCount("SendMedia"))
}

func TestSendMessageRecordsOutbound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	phone := "5511999999999"
	h.force(t, "t1_123", StatusStarting)
	_, err := h.registry.UpdateStatus(ctx, "t1_123", StatusConnected, &phone)
	require.NoError(t, err)

	res, err := h.svc.SendMessage(ctx, SendRequest{SessionID: "t1_123", To: "+55 11 98888-7777", Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.ProviderMessageID)
	assert.Equal(t, []string{"t1_123|5511988887777|hello"}, h.gw.Sent)

	conv, err := h.convs.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.ID("t1", "t1_123", "5511988887777"), conv.ID)
	assert.Equal(t, 0, conv.UnreadCount)

	msgs, err := h.convs.ListMessages(ctx, conv.ID, conversation.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.Outbound, msgs[0].Direction)
	assert.Equal(t, phone, msgs[0].FromAddress)
	assert.Equal(t, res.ProviderMessageID, msgs[0].ProviderMessageID)
}

func TestSendMediaMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusStarting)
	h.force(t, "t1_123", StatusConnected)

	res, err := h.svc.SendMessage(ctx, SendRequest{
		SessionID: "t1_123",
		To:        "5511988887777",
		Text:      "look",
		Media:     &provider.MediaBody{URL: "https://cdn/x.png", MimeType: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.gw.CallCount("SendMedia"))
	msgs, _ := h.convs.ListMessages(ctx, res.ConversationID, conversation.Page{})
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.KindMedia, msgs[0].Kind)
	assert.Equal(t, "look", msgs[0].Content)
	assert.Equal(t, "https://cdn/x.png", msgs[0].MediaRef)
}

func TestSendMessageValidatesInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusConnected)

	_, err := h.svc.SendMessage(ctx, SendRequest{SessionID: "t1_123", Text: "x"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.svc.SendMessage(ctx, SendRequest{SessionID: "t1_123", To: "5511988887777"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.svc.SendMessage(ctx, SendRequest{SessionID: "t1_999", To: "5511988887777", Text: "x"})
	assert.True(t, errs.IsNotFound(err))
}

func TestQRCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t)
	h.force(t, "t1_123", StatusStarting)
	h.force(t, "t1_123", StatusAwaitingScan)

	res, err := h.svc.QRCode(ctx, "t1_123")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, QRNotAvailable, res.Message)

	h.gw.SetQR("t1_123", "2@abc,def,ghi")
	res, err = h.svc.QRCode(ctx, "t1_123")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.Image)

	stored, _ := h.registry.Get(ctx, "t1_123")
	assert.Equal(t, res.Image, stored.QRCode)

	calls := h.gw.CallCount("GetQRCode")
	_, err = h.svc.QRCode(ctx, "t1_123")
	require.NoError(t, err)
	assert.Equal(t, calls, h.gw.CallCount("GetQRCode"))
}

func TestQRCodeDegradesOnProviderError(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.gw.QRErr = &errs.Error{Kind: errs.ErrProviderUnavailable, Err: context.DeadlineExceeded}

	res, err := h.svc.QRCode(context.Background(), "t1_123")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, QRNotAvailable, res.Message)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.create(t)
	conv, err := h.convs.UpsertConversation(ctx, "t1", "t1_123", "5511988887777", conversation.Seed{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, "t1_123"))

	_, err = h.registry.Get(ctx, "t1_123")
	assert.True(t, errs.IsNotFound(err))
	_, err = h.router.Resolve(ctx, s.WebhookToken)
	assert.True(t, errs.IsNotFound(err))
	_, err = h.gw.GetRemoteSessionStatus(ctx, "t1_123")
	assert.True(t, errors.Is(err, errs.ErrProviderNotFound))
	got, _ := h.convs.GetConversation(ctx, conv.ID)
	assert.True(t, got.Archived)

	assert.True(t, errs.IsNotFound(h.svc.Delete(ctx, "t1_123")))
}

func TestDeleteToleratesMissingRemote(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.gw.Drop("t1_123")
	require.NoError(t, h.svc.Delete(context.Background(), "t1_123"))
}
