package parser

import (
	"regexp"
	"strings"
)

var (
	ansiCSI      *regexp.Regexp
	ansiOSC      *regexp.Regexp
	ansiDCS      *regexp.Regexp
	ansiPM       *regexp.Regexp
	ansiAPC      *regexp.Regexp
	ansiOldTitle *regexp.Regexp
	ansiCharset  *regexp.Regexp
	ansiKeypad   *regexp.Regexp
	ansiSingle   *regexp.Regexp

	// Shell integration marks (OSC 133) sometimes arrive without their
	// escape byte.
	leakedMark *regexp.Regexp
)

func init() {
	ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`(?s)\x1b\].*?(?:\x07|\x1b\\)`)
	ansiDCS = regexp.MustCompile(`(?s)\x1bP.*?\x1b\\`)
	ansiPM = regexp.MustCompile(`(?s)\x1b\^.*?\x1b\\`)
	ansiAPC = regexp.MustCompile(`(?s)\x1b_.*?\x1b\\`)
	ansiOldTitle = regexp.MustCompile(`(?s)\x1bk.*?\x1b\\`)
	ansiCharset = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	ansiKeypad = regexp.MustCompile(`\x1b[=>]`)
	ansiSingle = regexp.MustCompile(`\x1b.`)
	leakedMark = regexp.MustCompile(`133;[A-Z];.*?\x07`)
}

// StripANSI removes terminal escape sequences and leaves every other byte
// untouched.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiDCS.ReplaceAllString(s, "")
	s = ansiPM.ReplaceAllString(s, "")
	s = ansiAPC.ReplaceAllString(s, "")
	s = ansiOldTitle.ReplaceAllString(s, "")
	s = ansiCharset.ReplaceAllString(s, "")
	s = ansiKeypad.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")
	return s
}

// Sanitize turns raw terminal output into plain text: escape sequences are
// stripped, CRLF and lone CR become LF, backspace erases the previous
// character and all other control characters except tab are dropped.
func Sanitize(s string) string {
	s = StripANSI(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = leakedMark.ReplaceAllString(s, "")

	result := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
