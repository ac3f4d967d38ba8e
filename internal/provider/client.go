package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"your.org/session-hub/internal/errs"
	ilog "your.org/session-hub/internal/log"
)

// ClientOptions configures the HTTP gateway.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every call, including limiter wait.  Defaults to 30s.
	Timeout time.Duration
	// RPS <= 0 disables the client-side limiter.
	RPS   float64
	Burst int
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client implements Gateway over the provider's REST API.  It holds no
// session state: every method is a pass-through.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

var _ Gateway = (*Client)(nil)

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: timeout,
		http:    hc,
		limiter: lim,
	}
}

type sessionDTO struct {
	Name   string       `json:"name"`
	Status RemoteStatus `json:"status"`
	Me     *Profile     `json:"me"`
}

func (d sessionDTO) remote() RemoteSession {
	return RemoteSession{Name: d.Name, Status: d.Status, Profile: d.Me}
}

type webhookDTO struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	HMAC   *struct {
		Key string `json:"key"`
	} `json:"hmac,omitempty"`
}

// sessionConfig is the "config" object carrying the session's single
// webhook.
func sessionConfig(hook WebhookConfig) map[string]any {
	events := hook.Events
	if len(events) == 0 {
		events = DefaultWebhookEvents
	}
	wh := webhookDTO{URL: hook.URL, Events: events}
	if hook.HMACKey != "" {
		wh.HMAC = &struct {
			Key string `json:"key"`
		}{Key: hook.HMACKey}
	}
	return map[string]any{"webhooks": []webhookDTO{wh}}
}

func (c *Client) CreateRemoteSession(ctx context.Context, name string, hook WebhookConfig) (RemoteSession, error) {
	body := map[string]any{
		"name":   name,
		"start":  false,
		"config": sessionConfig(hook),
	}
	var out sessionDTO
	err := c.do(ctx, http.MethodPost, "/api/sessions", body, &out)
	if errors.Is(err, errs.ErrConflict) {
		// The provider is not idempotent on create; an existing session
		// counts as success once we can look it up.
		ilog.WithSession(name).Info("remote session already exists, resolving by lookup")
		return c.GetRemoteSessionStatus(ctx, name)
	}
	if err != nil {
		return RemoteSession{}, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return out.remote(), nil
}

// UpdateRemoteWebhook replaces the callback configuration of an existing
// remote session.
func (c *Client) UpdateRemoteWebhook(ctx context.Context, name string, hook WebhookConfig) error {
	body := map[string]any{"name": name, "config": sessionConfig(hook)}
	return c.do(ctx, http.MethodPut, "/api/sessions/"+url.PathEscape(name), body, nil)
}

func (c *Client) StartRemoteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/start", nil, nil)
}

func (c *Client) StopRemoteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/stop", nil, nil)
}

func (c *Client) DeleteRemoteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(name), nil, nil)
}

func (c *Client) GetRemoteSessionStatus(ctx context.Context, name string) (RemoteSession, error) {
	var out sessionDTO
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(name), nil, &out); err != nil {
		return RemoteSession{}, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return out.remote(), nil
}

func (c *Client) ListRemoteSessions(ctx context.Context) ([]RemoteSession, error) {
	var out []sessionDTO
	if err := c.do(ctx, http.MethodGet, "/api/sessions?all=true", nil, &out); err != nil {
		return nil, err
	}
	sessions := make([]RemoteSession, 0, len(out))
	for _, d := range out {
		sessions = append(sessions, d.remote())
	}
	return sessions, nil
}

func (c *Client) GetQRCode(ctx context.Context, name string) (QRImage, bool, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, "/api/"+url.PathEscape(name)+"/auth/qr?format=raw", nil, &out)
	if errs.IsNotFound(err) || errors.Is(err, errs.ErrValidation) {
		// 404/422: the session is not waiting for a scan right now.
		return QRImage{}, false, nil
	}
	if err != nil {
		return QRImage{}, false, err
	}
	if strings.TrimSpace(out.Value) == "" {
		return QRImage{}, false, nil
	}
	img, err := RenderQR(out.Value)
	if err != nil {
		return QRImage{}, false, errs.Internal(err, "render qr")
	}
	return img, true, nil
}

func (c *Client) SendText(ctx context.Context, name, address, text string) (string, error) {
	body := map[string]any{
		"session": name,
		"chatId":  ChatID(address),
		"text":    text,
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/sendText", body, &out); err != nil {
		return "", err
	}
	return messageIDFrom(out)
}

func (c *Client) SendMedia(ctx context.Context, name, address string, media MediaBody) (string, error) {
	path := "/api/sendFile"
	if strings.HasPrefix(strings.ToLower(media.MimeType), "image/") {
		path = "/api/sendImage"
	}
	file := map[string]any{"url": media.URL}
	if media.MimeType != "" {
		file["mimetype"] = media.MimeType
	}
	if media.FileName != "" {
		file["filename"] = media.FileName
	}
	body := map[string]any{
		"session": name,
		"chatId":  ChatID(address),
		"file":    file,
	}
	if media.Caption != "" {
		body["caption"] = media.Caption
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return messageIDFrom(out)
}

func (c *Client) GetContactProfile(ctx context.Context, name, address string) (ContactProfile, error) {
	q := url.Values{}
	q.Set("contactId", ChatID(address))
	q.Set("session", name)

	prof := ContactProfile{Address: address}
	var info map[string]any
	infoErr := c.do(ctx, http.MethodGet, "/api/contacts?"+q.Encode(), nil, &info)
	if infoErr == nil {
		prof.Name = firstNonEmpty(asString(info["name"]), asString(info["pushname"]), asString(info["pushName"]))
	}
	var pic map[string]any
	picErr := c.do(ctx, http.MethodGet, "/api/contacts/profile-picture?"+q.Encode(), nil, &pic)
	if picErr == nil {
		prof.AvatarURL = asString(pic["profilePictureURL"])
	}
	if infoErr != nil && picErr != nil {
		return ContactProfile{}, infoErr
	}
	return prof, nil
}

// do performs one bounded call and classifies the outcome.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.ErrRateLimited, err, "provider limiter")
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errs.Internal(err, "marshal provider request")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Internal(err, "build provider request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.ErrProviderUnavailable, err, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Wrap(errs.ErrProviderUnavailable, err, "read provider response")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errs.Internal(err, "decode provider response")
		}
		return nil
	}
	return classifyStatus(method, path, resp)
}

func classifyStatus(method, path string, resp *http.Response) error {
	snippet := ""
	if b, _ := io.ReadAll(io.LimitReader(resp.Body, 512)); len(b) > 0 {
		snippet = strings.TrimSpace(string(b))
	}
	msg := fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
	if snippet != "" {
		msg += " body=" + snippet
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &errs.Error{Kind: errs.ErrProviderNotFound, Msg: msg}
	case resp.StatusCode == http.StatusConflict:
		return &errs.Error{Kind: errs.ErrConflict, Msg: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errs.Error{Kind: errs.ErrRateLimited, Msg: msg}
	case resp.StatusCode >= 500:
		return &errs.Error{Kind: errs.ErrProviderUnavailable, Msg: msg}
	default:
		return &errs.Error{Kind: errs.ErrValidation, Msg: msg}
	}
}
