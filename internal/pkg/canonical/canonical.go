// Package canonical normalizes request payloads so that logically equal
// requests hash to the same value.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"venuecore/internal/domain"
)

// Phone parses a phone number and returns it in E.164 form. Numbers
// written without an international prefix are read as national numbers of
// region (an ISO 3166 code such as "US" or "GB"). An empty input yields an
// empty result; anything that is not a valid number is a validation error.
func Phone(raw, region string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(s, strings.ToUpper(region))
	if err != nil {
		return "", domain.Reject(domain.ReasonValidation, "phone number %q: %v", s, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", domain.Reject(domain.ReasonValidation, "phone number %q is not a valid number", s)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Time renders an instant as UTC RFC 3339 with second precision.
func Time(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Text collapses runs of whitespace.
func Text(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Hash returns the hex SHA-256 of v's JSON form. Map keys are emitted in
// sorted order by encoding/json, so field order in the input does not matter.
func Hash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
