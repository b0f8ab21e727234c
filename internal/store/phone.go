// ABOUTME: Phone key canonicalization for contact identifiers
// ABOUTME: Strips provider scheme prefixes and plus signs so one contact has one key

package store

import "strings"

const whatsappScheme = "whatsapp:"

// CanonicalPhone returns the stable key for a raw contact identifier. A
// leading "whatsapp:" scheme and every "+" are removed; any other character
// is kept as-is. It must be applied to every external phone value before it
// reaches a Backend.
func CanonicalPhone(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(whatsappScheme) && strings.EqualFold(s[:len(whatsappScheme)], whatsappScheme) {
		s = s[len(whatsappScheme):]
	}
	return strings.ReplaceAll(s, "+", "")
}
