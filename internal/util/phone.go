// Package util provides shared helpers for the lead bot.
package util

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is the region used to parse numbers entered without a
// country prefix.
const DefaultPhoneRegion = "RU"

// NormalizePhone validates the input and normalizes it to E.164 form
// (e.g. "+79991234567"). It accepts both typed text and contact-share values.
// Normalization is idempotent: an already-normalized value round-trips
// unchanged. Returns false if the input is not a valid phone number.
func NormalizePhone(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	parsed, err := phonenumbers.Parse(trimmed, DefaultPhoneRegion)
	if err != nil {
		return "", false
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", false
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), true
}
