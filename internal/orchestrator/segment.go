package orchestrator

import "strings"

// segmenter accumulates streamed LLM tokens and cuts them into utterance
// units at sentence boundaries, so TTS synthesis can start while the model is
// still generating. A boundary is a '.', '!', '?' or '…' immediately followed
// by whitespace (or end of stream), or a hard newline.
type segmenter struct {
	buf strings.Builder
}

// Push appends token and returns any complete sentences it unlocked, in order.
func (s *segmenter) Push(token string) []string {
	if token == "" {
		return nil
	}
	s.buf.WriteString(token)

	var out []string
	for {
		idx := firstSentenceBoundary(s.buf.String())
		if idx < 0 {
			break
		}
		text := s.buf.String()
		sentence := strings.TrimRight(text[:idx], " \t\r\n")
		rest := strings.TrimLeft(text[idx:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns whatever partial sentence remains and resets the segmenter.
func (s *segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// Pending returns the buffered text without consuming it.
func (s *segmenter) Pending() string {
	return s.buf.String()
}

// firstSentenceBoundary returns the index one past the first sentence-ending
// rune in s — '.', '!', '?' or '…' followed by whitespace, or '\n' — so
// s[:idx] is a complete utterance unit. Returns -1 when no boundary exists
// yet. A terminator at the very end of s is not a boundary: the stream may
// still continue the token ("3.14", "Dr.").
func firstSentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '\n':
			return i + 1
		case '.', '!', '?', '…':
			next := i + len(string(r))
			if next >= len(s) {
				continue
			}
			switch s[next] {
			case ' ', '\t', '\n', '\r':
				return next
			}
		}
	}
	return -1
}
