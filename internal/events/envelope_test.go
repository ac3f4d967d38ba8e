package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/session"
)

func TestEveryRemoteStatusMapsToOneLocalStatus(t *testing.T) {
	assert.Len(t, remoteToLocal, len(provider.RemoteStatuses))
	for _, rs := range provider.RemoteStatuses {
		st, err := MapRemoteStatus(rs)
		require.NoError(t, err, rs)
		assert.True(t, st.Valid(), rs)
	}
	_, err := MapRemoteStatus("SOMETHING_NEW")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestStatusTable(t *testing.T) {
	want := map[provider.RemoteStatus]session.Status{
		"STARTING":     session.StatusStarting,
		"SCAN_QR_CODE": session.StatusAwaitingScan,
		"WORKING":      session.StatusConnected,
		"STOPPED":      session.StatusDisconnected,
		"FAILED":       session.StatusFailed,
	}
	for rs, st := range want {
		got, err := MapRemoteStatus(rs)
		require.NoError(t, err)
		assert.Equal(t, st, got, rs)
	}
}

func TestAckStatus(t *testing.T) {
	cases := map[int]conversation.DeliveryStatus{
		-1: conversation.StatusFailed,
		0:  conversation.StatusSent,
		1:  conversation.StatusSent,
		2:  conversation.StatusDelivered,
		3:  conversation.StatusRead,
		4:  conversation.StatusRead,
	}
	for level, want := range cases {
		got, err := AckStatus(level)
		require.NoError(t, err)
		assert.Equal(t, want, got, level)
	}
	_, err := AckStatus(9)
	assert.Error(t, err)
}

func TestParseEnvelopeVariants(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"session.status","session":{"name":"t1_1"},"payload":{"status":"scan_qr_code","qr":"abc"}}`))
	require.NoError(t, err)
	assert.Equal(t, "t1_1", env.Session)
	st, ok := env.Payload.(SessionStatus)
	require.True(t, ok)
	assert.Equal(t, provider.RemoteScanQRCode, st.Status)
	assert.Equal(t, "abc", st.QR)

	env, err = ParseEnvelope([]byte(`{"event":"message","session":"t1_1","payload":{"id":"m1","from":"5511@c.us","body":"hi","timestamp":"1767225600123","media":{"url":"https://cdn/f.jpg"},"_data":{"notifyName":"Ana"}}}`))
	require.NoError(t, err)
	m, ok := env.Payload.(Message)
	require.True(t, ok)
	assert.Equal(t, "m1", m.ProviderMessageID)
	assert.True(t, m.HasMedia)
	assert.Equal(t, "https://cdn/f.jpg", m.MediaRef)
	assert.Equal(t, "Ana", m.PushName)
	assert.Equal(t, int64(1767225600123), m.Timestamp.UnixMilli())

	env, err = ParseEnvelope([]byte(`{"event":"message.ack","session":"t1_1","payload":{"id":{"_serialized":"m1"},"ack":2}}`))
	require.NoError(t, err)
	ack, ok := env.Payload.(MessageAck)
	require.True(t, ok)
	assert.Equal(t, MessageAck{ProviderMessageID: "m1", AckLevel: 2}, ack)

	env, err = ParseEnvelope([]byte(`{"event":"group.join","session":"t1_1","payload":{"x":1}}`))
	require.NoError(t, err)
	u, ok := env.Payload.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "group.join", u.Name)
}

func TestParseEnvelopeRejectsBadInput(t *testing.T) {
	bad := []string{
		`not json`,
		`{"session":"t1_1","payload":{}}`,
		`{"event":"session.status","session":"t1_1","payload":{}}`,
		`{"event":"message","session":"t1_1","payload":{"from":"5511@c.us"}}`,
		`{"event":"message","session":"t1_1","payload":{"id":"m1"}}`,
		`{"event":"message.ack","session":"t1_1","payload":{"id":"m1"}}`,
	}
	for _, b := range bad {
		_, err := ParseEnvelope([]byte(b))
		assert.True(t, errors.Is(err, errs.ErrValidation), b)
	}
}

func TestMemoryFailureLogRing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryFailureLog(3)
	for i := 0; i < 5; i++ {
		f := NewFailure("abcdefghijkl", []byte(`{}`), errs.Validation("bad %d", i), "validation")
		require.NoError(t, l.Record(ctx, f))
	}
	got, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "bad 4", got[0].Error)
	assert.Equal(t, "bad 2", got[2].Error)
	assert.Equal(t, "abcdef...", got[0].Token)

	got, _ = l.List(ctx, 1)
	assert.Len(t, got, 1)
}
