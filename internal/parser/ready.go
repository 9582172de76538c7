package parser

import "strings"

// DefaultReadyMarkers are the prompts of a shell and of gdb/pwndbg.
var DefaultReadyMarkers = []string{"$ ", "# ", "pwndbg> ", "(gdb) "}

// ReadyMarker reports whether sanitized text ends with one of markers, i.e.
// the program printed its prompt and is waiting for input. It returns the
// marker that matched.
func ReadyMarker(text string, markers []string) (string, bool) {
	if len(markers) == 0 {
		markers = DefaultReadyMarkers
	}
	for _, m := range markers {
		if m != "" && strings.HasSuffix(text, m) {
			return m, true
		}
	}
	return "", false
}
