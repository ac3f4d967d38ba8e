// Package providertest offers an in-memory provider.Gateway used by the
// service, processor and reconciliation tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/provider"
)

type Gateway struct {
	mu       sync.Mutex
	sessions map[string]*provider.RemoteSession
	hooks    map[string]provider.WebhookConfig
	qr       map[string]string
	profiles map[string]provider.ContactProfile
	seq      int

	// Calls records method names in call order.
	Calls []string
	// Sent records every outbound message as "<session>|<address>|<body>".
	Sent []string
	// Err, when set, is returned by every call.
	Err error
	// QRErr is returned by GetQRCode only.
	QRErr error
}

var _ provider.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		sessions: map[string]*provider.RemoteSession{},
		hooks:    map[string]provider.WebhookConfig{},
		qr:       map[string]string{},
		profiles: map[string]provider.ContactProfile{},
	}
}

// Put seeds a remote session.
func (g *Gateway) Put(rs provider.RemoteSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := rs
	g.sessions[rs.Name] = &cp
}

// Drop removes a remote session as if the provider lost it.
func (g *Gateway) Drop(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, name)
}

func (g *Gateway) SetQR(name, raw string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.qr[name] = raw
}

func (g *Gateway) SetProfile(address string, p provider.ContactProfile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[address] = p
}

func (g *Gateway) Hook(name string) (provider.WebhookConfig, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.hooks[name]
	return h, ok
}

// CallCount returns how many times method was invoked.
func (g *Gateway) CallCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (g *Gateway) record(method string) error {
	g.Calls = append(g.Calls, method)
	return g.Err
}

func (g *Gateway) CreateRemoteSession(_ context.Context, name string, hook provider.WebhookConfig) (provider.RemoteSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("CreateRemoteSession"); err != nil {
		return provider.RemoteSession{}, err
	}
	g.hooks[name] = hook
	if rs, ok := g.sessions[name]; ok {
		return *rs, nil
	}
	rs := &provider.RemoteSession{Name: name, Status: provider.RemoteStopped}
	g.sessions[name] = rs
	return *rs, nil
}

func (g *Gateway) UpdateRemoteWebhook(_ context.Context, name string, hook provider.WebhookConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("UpdateRemoteWebhook"); err != nil {
		return err
	}
	if _, ok := g.sessions[name]; !ok {
		return &errs.Error{Kind: errs.ErrProviderNotFound, Msg: "session " + name}
	}
	g.hooks[name] = hook
	return nil
}

func (g *Gateway) setStatus(method, name string, st provider.RemoteStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(method); err != nil {
		return err
	}
	rs, ok := g.sessions[name]
	if !ok {
		return &errs.Error{Kind: errs.ErrProviderNotFound, Msg: "session " + name}
	}
	rs.Status = st
	return nil
}

func (g *Gateway) StartRemoteSession(_ context.Context, name string) error {
	return g.setStatus("StartRemoteSession", name, provider.RemoteStarting)
}

func (g *Gateway) StopRemoteSession(_ context.Context, name string) error {
	return g.setStatus("StopRemoteSession", name, provider.RemoteStopped)
}

func (g *Gateway) DeleteRemoteSession(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("DeleteRemoteSession"); err != nil {
		return err
	}
	if _, ok := g.sessions[name]; !ok {
		return &errs.Error{Kind: errs.ErrProviderNotFound, Msg: "session " + name}
	}
	delete(g.sessions, name)
	return nil
}

func (g *Gateway) GetRemoteSessionStatus(_ context.Context, name string) (provider.RemoteSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("GetRemoteSessionStatus"); err != nil {
		return provider.RemoteSession{}, err
	}
	rs, ok := g.sessions[name]
	if !ok {
		return provider.RemoteSession{}, &errs.Error{Kind: errs.ErrProviderNotFound, Msg: "session " + name}
	}
	return *rs, nil
}

func (g *Gateway) ListRemoteSessions(context.Context) ([]provider.RemoteSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("ListRemoteSessions"); err != nil {
		return nil, err
	}
	out := make([]provider.RemoteSession, 0, len(g.sessions))
	for _, rs := range g.sessions {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Gateway) GetQRCode(_ context.Context, name string) (provider.QRImage, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("GetQRCode"); err != nil {
		return provider.QRImage{}, false, err
	}
	if g.QRErr != nil {
		return provider.QRImage{}, false, g.QRErr
	}
	raw, ok := g.qr[name]
	if !ok {
		return provider.QRImage{}, false, nil
	}
	img, err := provider.RenderQR(raw)
	if err != nil {
		return provider.QRImage{}, false, err
	}
	return img, true, nil
}

func (g *Gateway) send(method, name, address, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(method); err != nil {
		return "", err
	}
	g.seq++
	g.Sent = append(g.Sent, name+"|"+address+"|"+body)
	return fmt.Sprintf("true_%s@c.us_OUT%d", address, g.seq), nil
}

func (g *Gateway) SendText(_ context.Context, name, address, text string) (string, error) {
	return g.send("SendText", name, address, text)
}

func (g *Gateway) SendMedia(_ context.Context, name, address string, body provider.MediaBody) (string, error) {
	return g.send("SendMedia", name, address, body.URL)
}

func (g *Gateway) GetContactProfile(_ context.Context, _ string, address string) (provider.ContactProfile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("GetContactProfile"); err != nil {
		return provider.ContactProfile{}, err
	}
	p, ok := g.profiles[address]
	if !ok {
		return provider.ContactProfile{}, &errs.Error{Kind: errs.ErrProviderNotFound, Msg: "contact " + address}
	}
	return p, nil
}
