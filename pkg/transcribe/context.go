package transcribe

import (
	"strings"
	"unicode/utf8"
)

// rollingContext keeps the most recent transcript text up to a character limit.
type rollingContext struct {
	limit int
	text  string
}

func (c *rollingContext) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if c.text == "" {
		c.text = text
	} else {
		c.text = c.text + " " + text
	}
	c.text = truncateFront(c.text, c.limit)
}

func (c *rollingContext) String() string { return c.text }

// truncateFront keeps the last limit runes of s, starting on a word boundary
// when one exists inside the kept part.
func truncateFront(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	start := len(s)
	for n := 0; n < limit; n++ {
		_, size := utf8.DecodeLastRuneInString(s[:start])
		start -= size
	}
	cut := s[start:]
	if s[start-1] != ' ' {
		if i := strings.IndexByte(cut, ' '); i >= 0 && i < len(cut)-1 {
			cut = cut[i+1:]
		}
	}
	return strings.TrimSpace(cut)
}
