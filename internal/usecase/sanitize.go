package usecase

import (
	"html"
	"strings"
)

// stripTags removes markup from surrounding-page context so only readable
// text is stored and fed to the model. Unclosed tags drop the trailing
// fragment, matching how truncated markup reads to a user.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return html.UnescapeString(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
				b.WriteByte(' ')
			}
		case r == '<':
			inTag = true
		default:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(collapseSpaces(b.String()))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
