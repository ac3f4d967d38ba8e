// Package status mirrors session statuses into Redis so that other
// services can read them without calling the hub.
package status

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
)

// KeyPrefix is prepended to the session id: session-hub-status:{sessionID}.
const KeyPrefix = "session-hub-status:"

const writeTimeout = 2 * time.Second

// Mirror writes the latest status of every session it is notified about.
// Values are the local status names (created, starting, awaiting_scan,
// connected, disconnected, failed).  A Mirror without a client does nothing.
type Mirror struct {
	client *redis.Client
	prefix string
}

var _ notify.Notifier = (*Mirror)(nil)

// NewMirror connects to redisURL.  An empty URL yields a disabled mirror.
// The initial ping is best effort; a Redis outage only costs mirror writes.
func NewMirror(redisURL string) (*Mirror, error) {
	if strings.TrimSpace(redisURL) == "" {
		return &Mirror{prefix: KeyPrefix}, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		ilog.Errorf("redis status mirror ping failed: %v", err)
	}
	return &Mirror{client: c, prefix: KeyPrefix}, nil
}

func (m *Mirror) Enabled() bool { return m != nil && m.client != nil }

// Key returns the Redis key holding the status of sessionID.
func (m *Mirror) Key(sessionID string) string {
	return m.prefix + strings.TrimSpace(sessionID)
}

// Notify handles session.status notifications and ignores the rest.
func (m *Mirror) Notify(ctx context.Context, n notify.Notification) {
	if !m.Enabled() || n.Kind != notify.KindSessionStatus || n.SessionID == "" {
		return
	}
	if err := m.Set(ctx, n.SessionID, n.Status); err != nil {
		ilog.WithSession(n.SessionID).Error("status mirror write failed: %v", err)
	}
}

// Set writes the status value for sessionID.
func (m *Mirror) Set(ctx context.Context, sessionID, value string) error {
	if !m.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return m.client.Set(ctx, m.Key(sessionID), strings.TrimSpace(value), 0).Err()
}

// Get reads the mirrored status; a missing key yields "".
func (m *Mirror) Get(ctx context.Context, sessionID string) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	v, err := m.client.Get(ctx, m.Key(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Ping checks the Redis connection; a disabled mirror is always healthy.
func (m *Mirror) Ping(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) Close() error {
	if !m.Enabled() {
		return nil
	}
	return m.client.Close()
}
