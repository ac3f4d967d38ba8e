package conversation

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"your.org/session-hub/internal/errs"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "BR"

// NormalizeAddress turns a provider chat id or user-entered number into the
// canonical counterparty address: E.164 digits without '+'.  Group and
// broadcast ids are returned unchanged.
func NormalizeAddress(raw, region string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errs.Validation("empty address")
	}
	if at := strings.Index(s, "@"); at >= 0 {
		domain := s[at+1:]
		if domain != "c.us" && domain != "s.whatsapp.net" {
			return s, nil
		}
		user := s[:at]
		if i := strings.Index(user, ":"); i >= 0 {
			user = user[:i]
		}
		// chat ids always carry the country code
		s = "+" + digitsOnly(user)
	}
	if region == "" {
		region = DefaultRegion
	}
	parseRegion := strings.ToUpper(region)
	if strings.HasPrefix(s, "+") {
		parseRegion = ""
	}
	if num, err := phonenumbers.Parse(s, parseRegion); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
	}
	d := digitsOnly(s)
	if d == "" {
		return "", errs.Validation("address %q has no digits", raw)
	}
	return d, nil
}

// IsGroup reports whether address names a group chat.
func IsGroup(address string) bool {
	return strings.HasSuffix(address, "@g.us")
}

// IsBroadcast reports whether address is a broadcast list or status feed.
func IsBroadcast(address string) bool {
	return strings.HasSuffix(address, "@broadcast")
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
