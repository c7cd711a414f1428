package util

import "strings"

// SafeFileName lowercases s and replaces anything outside letters, digits,
// dashes, underscores and dots with a dash so it can be used as a file name.
func SafeFileName(s string) string {
	s = strings.ToLower(s)

	var builder strings.Builder
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '_', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}

	return builder.String()
}
