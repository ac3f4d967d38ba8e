package events

import (
	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/session"
)

// remoteToLocal must hold exactly one entry per provider.RemoteStatuses
// value.
var remoteToLocal = map[provider.RemoteStatus]session.Status{
	provider.RemoteStarting:   session.StatusStarting,
	provider.RemoteScanQRCode: session.StatusAwaitingScan,
	provider.RemoteWorking:    session.StatusConnected,
	provider.RemoteStopped:    session.StatusDisconnected,
	provider.RemoteFailed:     session.StatusFailed,
}

// MapRemoteStatus converts a provider status.  There is no default: an
// unknown remote value is a validation error.
func MapRemoteStatus(rs provider.RemoteStatus) (session.Status, error) {
	st, ok := remoteToLocal[rs]
	if !ok {
		return "", errs.Validation("unknown remote status %q", rs)
	}
	return st, nil
}

// AckStatus maps a provider ack level to a delivery status:
// -1 error, 0 pending, 1 server, 2 device, 3 read, 4 played.
func AckStatus(level int) (conversation.DeliveryStatus, error) {
	switch {
	case level < 0:
		return conversation.StatusFailed, nil
	case level <= 1:
		return conversation.StatusSent, nil
	case level == 2:
		return conversation.StatusDelivered, nil
	case level <= 4:
		return conversation.StatusRead, nil
	}
	return "", errs.Validation("unknown ack level %d", level)
}
