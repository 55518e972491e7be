package channels

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into pieces of at most max runes, preferring paragraph
// breaks, then line breaks, then spaces. max <= 0 disables splitting.
func Split(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var parts []string
	rest := text
	for utf8.RuneCountInString(rest) > max {
		window := prefixRunes(rest, max)
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			// Breaking in the first half leaves tiny fragments.
			if i := strings.LastIndex(window, sep); i > len(window)/2 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(window)
		}
		if part := strings.TrimRight(rest[:cut], " \n"); part != "" {
			parts = append(parts, part)
		}
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
