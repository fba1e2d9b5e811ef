package util

import "strings"

// NormalizePhone reduces a phone number to its digits with a single leading '+'.
// Provider prefixes such as "whatsapp:" and any punctuation are dropped.
// An input without digits yields the empty string.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone) + 1)
	b.WriteByte('+')
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// SanitizePhone removes everything but digits, keeping a '+' only when it is
// the first character. Unlike NormalizePhone it never adds a '+', so local
// formats such as "0244274699" pass through unchanged.
func SanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	b.Grow(len(phone))
	for i, r := range phone {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StripWhatsAppPrefix removes the "whatsapp:" channel prefix Twilio puts on addresses.
func StripWhatsAppPrefix(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), "whatsapp:")
}
