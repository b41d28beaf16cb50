package protocol

import (
	"fmt"
	"strings"
)

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", "")

// Escape prepares chunk text for the line protocol. Carriage returns are
// dropped, matching what the server sends.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. Only \\ and \n are recognised; the scan is a
// single left-to-right pass so an escaped backslash is never re-read as the
// start of \n.
func Unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: trailing backslash", ErrBadEscape)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		default:
			return "", fmt.Errorf("%w: \\%c at offset %d", ErrBadEscape, s[i], i-1)
		}
	}
	return b.String(), nil
}
