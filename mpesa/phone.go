package mpesa

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone canonicalizes a Kenyan MSISDN to 2547XXXXXXXX form.
// Accepted inputs: "0712345678", "+254712345678", "712345678" and the
// already-canonical form, with any punctuation or spacing stripped.
func NormalizePhone(phone string) (string, error) {
	digits := stripNonDigits(phone)
	if len(digits) < 9 || len(digits) > 13 {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(digits, "254"):
		// already international
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	default:
		return "", ErrInvalidPhone
	}

	if len(digits) != 12 {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// ValidatePhone mirrors the boundary check: 9-13 digits after stripping
// everything else.
func ValidatePhone(phone string) bool {
	n := len(stripNonDigits(phone))
	return n >= 9 && n <= 13
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
