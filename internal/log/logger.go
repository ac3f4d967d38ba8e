package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// The package keeps a single zerolog logger configured from LOG_LEVEL and
// LOG_FORMAT at init.  Every line carries provider=session-hub so the output
// can be mixed with other services in one collector.
var base zerolog.Logger

func init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
}

// Configure replaces the package logger.  level is debug|info|error
// (anything else means info); format "console" selects a human readable
// writer, everything else JSON.
func Configure(level, format string, w io.Writer) {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	base = zerolog.New(w).Level(lvl).With().Timestamp().Str("provider", "session-hub").Logger()
}

// Entry provides a minimal structure for logging contextual
// information.  Each Entry carries a session identifier and a message
// identifier which are included in log output when set.
type Entry struct {
	SessionID string
	MessageID string
}

// WithSession constructs a new Entry with the given session ID.  Use
// this helper when logging events associated with a particular session.
func WithSession(sessionID string) *Entry {
	return &Entry{SessionID: sessionID}
}

// WithMessageID returns a copy of the current entry with the
// supplied message ID set.
func (e *Entry) WithMessageID(msgID string) *Entry {
	return &Entry{SessionID: e.SessionID, MessageID: msgID}
}

func (e *Entry) event(ev *zerolog.Event) *zerolog.Event {
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	if e.MessageID != "" {
		ev = ev.Str("message_id", e.MessageID)
	}
	return ev
}

// Info emits an informational log message.
func (e *Entry) Info(format string, args ...interface{}) {
	e.event(base.Info()).Msgf(format, args...)
}

// Error emits an error log message.
func (e *Entry) Error(format string, args ...interface{}) {
	e.event(base.Error()).Msgf(format, args...)
}

// Debug emits a debug log message gated by LOG_LEVEL.
func (e *Entry) Debug(format string, args ...interface{}) {
	e.event(base.Debug()).Msgf(format, args...)
}

// Package-level helpers for logs not tied to a particular Entry/session
func Debugf(format string, args ...interface{}) {
	base.Debug().Msgf(format, args...)
}

func Infof(format string, args ...interface{}) {
	base.Info().Msgf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	base.Error().Msgf(format, args...)
}
