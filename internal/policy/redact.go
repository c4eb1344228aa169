package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	nsecPattern  = regexp.MustCompile(`\bnsec1[02-9ac-hj-np-z]{58}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// MaskSecrets redacts values that must not end up in persisted job records:
// email addresses, bech32 nostr private keys and card numbers.
func MaskSecrets(value string) string {
	masked := nsecPattern.ReplaceAllString(value, "[nsec_redacted]")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	return masked
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
