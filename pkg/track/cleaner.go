package track

import (
	"regexp"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// defaultBlockedWords are stripped from YouTube titles when no custom list
// is configured. The list matches common upload-title noise.
var defaultBlockedWords = []string{
	"official video", "official music video", "official audio",
	"official lyric video", "lyric video", "lyrics", "official",
	"music video", "audio", "video", "visualizer", "visualiser",
	"hd", "hq", "4k", "remastered", "full version",
}

var (
	blockedRegexMu    sync.Mutex
	blockedRegexCache = map[string]*regexp.Regexp{}
)

// blockedWordsRegex builds (and caches) a case-insensitive alternation of
// the regex-escaped blocked words.
func blockedWordsRegex(words []string) *regexp.Regexp {
	key := strings.Join(words, "\x00")
	blockedRegexMu.Lock()
	defer blockedRegexMu.Unlock()
	if re, ok := blockedRegexCache[key]; ok {
		return re
	}
	escaped := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(w))
	}
	re := regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`)
	blockedRegexCache[key] = re
	return re
}

// CleanCredentials normalises a YouTube author/title pair:
//
//  1. "- Topic" / "Topic -" markers are removed from the author.
//  2. Blocked words are stripped from the title.
//  3. Brackets left unbalanced by the stripping are balanced, and empty
//     bracket pairs removed.
//  4. "@"-prefixed handles are stripped.
//  5. If the title still contains " - " and its left half matches the
//     cleaned author, the title is split into (author, title).
//
// The returned pair is trimmed; if cleaning would produce an empty title
// the original title is kept.
func CleanCredentials(author, title string, blockedWords []string) (string, string) {
	cleanAuthor := strings.TrimSpace(author)
	cleanAuthor = strings.TrimSuffix(cleanAuthor, "- Topic")
	cleanAuthor = strings.TrimSuffix(cleanAuthor, "-Topic")
	cleanAuthor = strings.TrimPrefix(cleanAuthor, "Topic -")
	cleanAuthor = strings.TrimSpace(cleanAuthor)

	words := blockedWords
	if len(words) == 0 {
		words = defaultBlockedWords
	}

	cleanTitle := blockedWordsRegex(words).ReplaceAllString(title, "")
	cleanTitle = balanceBrackets(cleanTitle)
	cleanTitle = stripEmptyBrackets(cleanTitle)
	cleanTitle = stripHandles(cleanTitle)
	cleanTitle = collapseSpaces(cleanTitle)

	if cleanTitle == "" {
		cleanTitle = strings.TrimSpace(title)
	}

	if left, right, ok := strings.Cut(cleanTitle, " - "); ok {
		if authorsMatch(cleanAuthor, left) && strings.TrimSpace(right) != "" {
			cleanAuthor = strings.TrimSpace(left)
			cleanTitle = strings.TrimSpace(right)
		}
	}
	return cleanAuthor, cleanTitle
}

// authorsMatch reports whether the candidate author half of a split title
// refers to the same artist as the channel author. Comparison is fuzzy so
// "A$AP Rocky" matches "ASAP Rocky".
func authorsMatch(author, candidate string) bool {
	a := strings.ToLower(strings.TrimSpace(author))
	c := strings.ToLower(strings.TrimSpace(candidate))
	if a == "" || c == "" {
		return false
	}
	if a == c || strings.Contains(a, c) || strings.Contains(c, a) {
		return true
	}
	return matchr.JaroWinkler(a, c, true) >= 0.9
}

type bracketPair struct{ open, close rune }

var bracketPairs = []bracketPair{
	{'(', ')'},
	{'[', ']'},
	{'{', '}'},
}

// balanceBrackets drops closing brackets with no matching opener and
// openers that never close, which blocked-word removal tends to leave behind.
func balanceBrackets(s string) string {
	for _, bp := range bracketPairs {
		s = balancePair(s, bp.open, bp.close)
	}
	return s
}

func balancePair(s string, open, close rune) string {
	var b strings.Builder
	depth := 0
	// First pass removes unmatched closers.
	for _, r := range s {
		switch r {
		case open:
			depth++
		case close:
			if depth == 0 {
				continue
			}
			depth--
		}
		b.WriteRune(r)
	}
	if depth == 0 {
		return b.String()
	}
	// Second pass (right to left) removes unmatched openers.
	runes := []rune(b.String())
	out := make([]rune, 0, len(runes))
	depth = 0
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case close:
			depth++
		case open:
			if depth == 0 {
				continue
			}
			depth--
		}
		out = append(out, runes[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

var emptyBracketsRe = regexp.MustCompile(`\(\s*\)|\[\s*\]|\{\s*\}`)

func stripEmptyBrackets(s string) string {
	for {
		next := emptyBracketsRe.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

var handleRe = regexp.MustCompile(`@\S+`)

func stripHandles(s string) string {
	return handleRe.ReplaceAllString(s, "")
}

var spacesRe = regexp.MustCompile(`\s{2,}`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}
