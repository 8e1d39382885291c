package logutil

import "strings"

// maxLogValue bounds how much of a single user-provided value reaches a log line.
const maxLogValue = 256

// SanitizeForLog strips newlines and control characters from user-provided
// strings so a window id or hostname cannot forge extra log entries.
// Values longer than 256 bytes are cut and suffixed with "...".
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if b.Len() >= maxLogValue {
			return b.String() + "..."
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask hides all but the last four characters of a secret.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
