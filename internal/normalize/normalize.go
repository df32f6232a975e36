// Package normalize turns raw platform text into the canonical form stored in history.
package normalize

import (
	"regexp"
	"time"

	"github.com/aqua-lzma/theory/internal/bus"
)

// TimeLayout is the record timestamp format, minute precision.
const TimeLayout = "2006-01-02 15:04"

var (
	mentionPattern = regexp.MustCompile(`<(@!?|@&|#)(\d+)>`)
	urlPattern     = regexp.MustCompile(`https?://`)
)

// ResolveMentions replaces user, role and channel mention tokens with readable
// names. Tokens without a known name are left as they are.
func ResolveMentions(body string, m bus.Mentions) string {
	return mentionPattern.ReplaceAllStringFunc(body, func(token string) string {
		sub := mentionPattern.FindStringSubmatch(token)
		kind, id := sub[1], sub[2]
		switch kind {
		case "@", "@!":
			if name, ok := m.Users[id]; ok {
				return "@" + name
			}
		case "@&":
			if name, ok := m.Roles[id]; ok {
				return "@" + name
			}
		case "#":
			if name, ok := m.Channels[id]; ok {
				return "#" + name
			}
		}
		return token
	})
}

// Truncate shortens text to at most max runes, marking the cut with "...".
func Truncate(text string, max int) string {
	if max < 0 {
		max = 0
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max < 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func FormatTime(t time.Time) string {
	return t.Local().Format(TimeLayout)
}

// HasURL reports whether body contains an http(s) link.
func HasURL(body string) bool {
	return urlPattern.MatchString(body)
}
