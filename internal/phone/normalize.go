// Package phone normalizes user-entered phone numbers into the digits-only
// E.164 form used as the account identifier.
package phone

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidNumber is returned for input that cannot be parsed as a valid
// phone number with a country code.
var ErrInvalidNumber = errors.New("invalid phone number")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Normalize strips formatting, parses the number and returns it in E.164
// without the leading "+" (e.g. "+1 (555) 010-9999" → "15550109999").
// defaultRegion is the ISO country code assumed for numbers entered without
// one; pass "" to require an explicit country code.
func Normalize(raw, defaultRegion string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidNumber
	}

	// Numbers arriving without "+" are still expected to carry a country
	// code, matching how users paste them from their messaging app.
	parseInput := trimmed
	if !strings.HasPrefix(parseInput, "+") {
		parseInput = "+" + nonDigits.ReplaceAllString(parseInput, "")
	}

	num, err := phonenumbers.Parse(parseInput, defaultRegion)
	if err != nil && defaultRegion != "" {
		// Retry as a national number for the configured region.
		num, err = phonenumbers.Parse(trimmed, defaultRegion)
	}
	if err != nil {
		return "", ErrInvalidNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidNumber
	}

	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}
