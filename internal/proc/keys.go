package proc

import (
	"strings"
)

// KeySequence translates a named key (e.g. "Enter", "C-c") to the bytes a
// terminal would send for it. Any "C-<letter>" combination is supported.
// The second result is false for unknown names.
func KeySequence(key string) (string, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	switch k {
	case "enter":
		return "\r", true
	case "escape", "esc":
		return "\x1b", true
	case "tab":
		return "\t", true
	case "backspace":
		return "\x7f", true
	case "space":
		return " ", true
	case "up":
		return "\x1b[A", true
	case "down":
		return "\x1b[B", true
	case "right":
		return "\x1b[C", true
	case "left":
		return "\x1b[D", true
	}
	if rest, ok := strings.CutPrefix(k, "c-"); ok {
		return ControlSequence(rest)
	}
	return "", false
}

// ControlSequence returns the control byte for Ctrl-<char>, the way a
// terminal encodes it: letters and "@[\]^_" map into 0x00-0x1f, "?" maps to DEL.
func ControlSequence(char string) (string, bool) {
	if len(char) != 1 {
		return "", false
	}
	c := char[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c == '?':
		return "\x7f", true
	case c >= '@' && c <= '_':
		return string([]byte{c & 0x1f}), true
	}
	return "", false
}
