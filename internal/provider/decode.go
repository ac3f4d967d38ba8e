package provider

import (
	"fmt"
	"strconv"
	"strings"

	"your.org/session-hub/internal/errs"
)

// Helpers to decode loosely-typed JSON values returned by the provider.

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MessageID extracts the provider message id from a decoded send response
// or callback payload.  The id comes either as a plain string or as an
// object carrying _serialized.
func MessageID(out map[string]any) string {
	switch id := out["id"].(type) {
	case string:
		if id != "" {
			return id
		}
	case map[string]any:
		if s := firstNonEmpty(asString(id["_serialized"]), asString(id["id"])); s != "" {
			return s
		}
	}
	if key, ok := out["key"].(map[string]any); ok {
		return asString(key["id"])
	}
	return ""
}

func messageIDFrom(out map[string]any) (string, error) {
	if id := MessageID(out); id != "" {
		return id, nil
	}
	return "", errs.Internal(nil, "provider send response without message id")
}
