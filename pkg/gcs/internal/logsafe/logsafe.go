// Package logsafe prepares server-provided text for inclusion in errors and
// log lines.
package logsafe

import (
	"strings"
	"unicode"
)

const maxLength = 256

// escapes maps the characters that could forge or mangle a log line to
// their visible escape sequences. Every other non-printable rune collapses
// to "?".
var escapes = map[rune]string{
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
	'\\': `\\`,
}

// Truncate sanitizes a server response body or header value for logging and
// caps it at a fixed length.
func Truncate(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLength))
	for _, r := range s {
		if b.Len() >= maxLength {
			b.WriteString("...[truncated]")
			break
		}
		b.WriteString(escape(r))
	}
	return b.String()
}

func escape(r rune) string {
	if e, ok := escapes[r]; ok {
		return e
	}
	if unicode.IsPrint(r) {
		return string(r)
	}
	return "?"
}
