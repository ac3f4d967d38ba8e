package provider

import (
	"context"
	"strings"
)

// RemoteStatus is the session status reported by the provider.
type RemoteStatus string

const (
	RemoteStarting   RemoteStatus = "STARTING"
	RemoteScanQRCode RemoteStatus = "SCAN_QR_CODE"
	RemoteWorking    RemoteStatus = "WORKING"
	RemoteStopped    RemoteStatus = "STOPPED"
	RemoteFailed     RemoteStatus = "FAILED"
)

// RemoteStatuses enumerates every status the provider can report.
var RemoteStatuses = []RemoteStatus{
	RemoteStarting,
	RemoteScanQRCode,
	RemoteWorking,
	RemoteStopped,
	RemoteFailed,
}

// Profile is the account behind a connected session.  ID is the provider's
// chat id for the account (e.g. 5511999999999@c.us).
type Profile struct {
	ID       string `json:"id"`
	PushName string `json:"pushName,omitempty"`
}

// PhoneNumber returns the digits of the profile id's user part.
func (p *Profile) PhoneNumber() string {
	if p == nil {
		return ""
	}
	user := p.ID
	if i := strings.Index(user, "@"); i >= 0 {
		user = user[:i]
	}
	// multi-device ids look like 5511999999999:12@s.whatsapp.net
	if i := strings.Index(user, ":"); i >= 0 {
		user = user[:i]
	}
	return digitsOnly(user)
}

type RemoteSession struct {
	Name    string       `json:"name"`
	Status  RemoteStatus `json:"status"`
	Profile *Profile     `json:"me,omitempty"`
}

// WebhookConfig is handed to the provider when a session is created so that
// callbacks are delivered to the session's capability URL and signed with
// its HMAC key.
type WebhookConfig struct {
	URL     string
	HMACKey string
	Events  []string
}

// DefaultWebhookEvents are subscribed for every session.
var DefaultWebhookEvents = []string{"session.status", "message.any", "message.ack"}

type MediaBody struct {
	URL      string
	MimeType string
	FileName string
	Caption  string
}

type ContactProfile struct {
	Address   string
	Name      string
	AvatarURL string
}

// QRImage is a rendered pairing QR code.
type QRImage struct {
	Raw string
	PNG []byte
}

// Gateway is the stateless adapter over the provider's HTTP API.  Every
// call is bounded by a timeout and fails with one of the errs provider
// kinds (ErrProviderUnavailable, ErrProviderNotFound, ErrRateLimited).
type Gateway interface {
	CreateRemoteSession(ctx context.Context, name string, hook WebhookConfig) (RemoteSession, error)
	StartRemoteSession(ctx context.Context, name string) error
	StopRemoteSession(ctx context.Context, name string) error
	DeleteRemoteSession(ctx context.Context, name string) error
	// UpdateRemoteWebhook points an existing remote session at a new
	// callback URL and signing key.
	UpdateRemoteWebhook(ctx context.Context, name string, hook WebhookConfig) error
	GetRemoteSessionStatus(ctx context.Context, name string) (RemoteSession, error)
	ListRemoteSessions(ctx context.Context) ([]RemoteSession, error)
	// GetQRCode returns ok=false when no QR is currently available.
	GetQRCode(ctx context.Context, name string) (img QRImage, ok bool, err error)
	SendText(ctx context.Context, name, address, text string) (string, error)
	SendMedia(ctx context.Context, name, address string, body MediaBody) (string, error)
	GetContactProfile(ctx context.Context, name, address string) (ContactProfile, error)
}

// ChatID converts a normalized address into the provider's chat id.
func ChatID(address string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		return address
	}
	return digitsOnly(address) + "@c.us"
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
