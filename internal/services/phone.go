package services

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NormalizePhone rewrites a phone number to +<country><digits>. Local
// numbers with a leading 0 and bare 10-digit numbers get countryCode
// prepended; numbers already carrying the country code get a "+".
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	plus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	switch {
	case plus:
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		return "+" + digits[2:]
	case strings.HasPrefix(digits, "0"):
		return "+" + countryCode + digits[1:]
	case len(digits) == 10:
		return "+" + countryCode + digits
	case strings.HasPrefix(digits, countryCode):
		return "+" + digits
	}
	return "+" + digits
}

// MaskPhone keeps only the last four digits, for logs
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// PhoneDigest returns a stable digest of a phone number for limiter and lock
// keys. Raw numbers never reach Redis.
func PhoneDigest(phone string) string {
	sum := blake2b.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:12])
}
