package exchange

import (
	"strings"
)

// SplitText breaks text into chunks of at most limit runes, preferring line
// boundaries. Lines longer than limit are split hard.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	for i, line := range strings.Split(text, "\n") {
		r := []rune(line)
		sep := 0
		if i > 0 && len(cur) > 0 {
			sep = 1
		}
		if len(cur)+sep+len(r) <= limit {
			if sep == 1 {
				cur = append(cur, '\n')
			}
			cur = append(cur, r...)
			continue
		}
		flush()
		for len(r) > limit {
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return chunks
}
