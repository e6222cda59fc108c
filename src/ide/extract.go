package ide

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// fallbackTailLines bounds how much raw transcript is relayed when no answer
// marker was found.
const fallbackTailLines = 120

// ReplyExtractor pulls the assistant's answer out of a copied transcript.
// found=false means the extractor could not identify an answer and returned
// its best-effort fallback instead.
type ReplyExtractor interface {
	Extract(transcript string) (answer string, found bool)
}

// MarkerExtractor is the default ReplyExtractor. The transcript format is
// IDE-specific and unstable, so it keys on configurable speaker markers
// instead of structure.
type MarkerExtractor struct {
	Markers []string
}

// Extract returns the text after the last occurrence of any marker,
// case-insensitive. When no marker is present it returns the transcript tail
// and found=false so the caller can label the reply as unparsed.
//
// Matching folds case rune by rune on the transcript itself. Case mapping
// can change a rune's UTF-8 width, so indices found in a ToLower copy do not
// line up with the original string; a transcript is arbitrary pasted text
// and must never be sliced through a lowered shadow.
func (e MarkerExtractor) Extract(transcript string) (answer string, found bool) {
	best := -1
	bestEnd := -1
	for _, marker := range e.Markers {
		m := strings.TrimSpace(marker)
		if m == "" {
			continue
		}
		if start, end, ok := lastIndexFold(transcript, m); ok && start > best {
			best = start
			bestEnd = end
		}
	}
	if best >= 0 {
		return strings.TrimSpace(transcript[bestEnd:]), true
	}
	return tail(transcript, fallbackTailLines), false
}

// lastIndexFold finds the last case-insensitive occurrence of marker in s
// and returns its byte range in s's own coordinates.
func lastIndexFold(s, marker string) (start, end int, ok bool) {
	for i := range s {
		if e, matched := foldMatchAt(s, i, marker); matched {
			start, end, ok = i, e, true
		}
	}
	return start, end, ok
}

// foldMatchAt reports whether marker matches s at byte offset i under rune
// case folding, and where the match ends in s.
func foldMatchAt(s string, i int, marker string) (end int, ok bool) {
	for _, mr := range marker {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size == 0 || !equalFoldRune(r, mr) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

func tail(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
