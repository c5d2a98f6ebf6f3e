package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	amountPattern = regexp.MustCompile(`\$\s?-?[0-9][0-9,]*(?:\.[0-9]{2})?`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	keyPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
)

// RedactPII masks common high-risk PII patterns in transcripts before they
// reach logs or the event feed.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, otherwise a card number matches the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactForLog applies RedactPII and additionally hides account amounts and
// anything that looks like a credential.
func RedactForLog(input string) string {
	out, _ := RedactPII(input)
	out = amountPattern.ReplaceAllString(out, "[REDACTED_AMOUNT]")
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return keyPattern.ReplaceAllString(out, "sk-[REDACTED]")
}

// MaskSecret keeps the last four characters of a credential.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
