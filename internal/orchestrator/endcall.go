package orchestrator

import (
	"strings"
	"unicode"

	"github.com/voxgate/voxgate/internal/transcript/phonetic"
)

// endCallMatcher decides whether a final transcript asks to end the call.
// The primary check is case-insensitive substring match after normalization;
// behind it sits a phonetic pass so "goodbye" still matches when STT hears
// "good bye" or "goodby".
type endCallMatcher struct {
	phrases  []string
	phonetic *phonetic.Matcher
}

func newEndCallMatcher(phrases []string) *endCallMatcher {
	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := normalizePhrase(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &endCallMatcher{
		phrases: normalized,
		// The stock fuzzy threshold (0.85) lets prefixes like "good" reach
		// "goodbye"; end-call detection needs near-exact similarity.
		phonetic: phonetic.New(phonetic.WithFuzzyThreshold(0.93)),
	}
}

// Match reports whether transcript contains any configured end-call phrase.
func (m *endCallMatcher) Match(transcript string) bool {
	if len(m.phrases) == 0 {
		return false
	}
	text := normalizePhrase(transcript)
	if text == "" {
		return false
	}

	collapsed := strings.ReplaceAll(text, " ", "")
	for _, phrase := range m.phrases {
		if strings.Contains(text, phrase) {
			return true
		}
		// "good bye" still matches "goodbye".
		if strings.Contains(collapsed, strings.ReplaceAll(phrase, " ", "")) {
			return true
		}
	}

	// Phonetic fallback: slide an n-gram window of the phrase's word count
	// over the transcript and accept a high-confidence phonetic match.
	words := strings.Fields(text)
	for _, phrase := range m.phrases {
		n := len(strings.Fields(phrase))
		if n == 0 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if _, _, ok := m.phonetic.Match(window, []string{phrase}); ok {
				return true
			}
		}
	}
	return false
}

// normalizePhrase lowercases s and strips everything but letters, digits and
// single spaces, so punctuation never defeats a substring match.
func normalizePhrase(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
