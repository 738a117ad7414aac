package engine

import (
	"strings"
	"unicode"
)

// SentenceSplitter breaks a text unit into sentences so engines can stream
// one chunk per sentence instead of waiting for a whole paragraph.
type SentenceSplitter struct {
	maxLength     int
	abbreviations map[string]bool
	titles        map[string]bool
}

// SplitterOption is a functional option for configuring the splitter.
type SplitterOption func(*SentenceSplitter)

// WithMaxSentenceLength sets the length in runes above which a sentence is
// broken again at clause punctuation. Zero disables the limit.
func WithMaxSentenceLength(n int) SplitterOption {
	return func(s *SentenceSplitter) {
		s.maxLength = n
	}
}

// NewSentenceSplitter creates a splitter with English abbreviation rules.
func NewSentenceSplitter(opts ...SplitterOption) *SentenceSplitter {
	s := &SentenceSplitter{
		maxLength:     400,
		abbreviations: defaultAbbreviations(),
		titles:        defaultTitleAbbreviations(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split returns the sentences of text in order. Whitespace runs collapse to
// a single space and empty sentences are dropped.
func (s *SentenceSplitter) Split(text string) []string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) == 0 {
		return nil
	}

	var sentences []string
	start := 0
	for i := range runes {
		if !s.isBoundary(runes, i) {
			continue
		}
		end := i + 1
		// Keep closing quotes and brackets with their sentence.
		for end < len(runes) && isCloser(runes[end]) {
			end++
		}
		sentences = s.appendSentence(sentences, string(runes[start:end]))
		start = end
	}
	if start < len(runes) {
		sentences = s.appendSentence(sentences, string(runes[start:]))
	}
	return sentences
}

func (s *SentenceSplitter) appendSentence(out []string, sentence string) []string {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return out
	}
	if s.maxLength <= 0 || len([]rune(sentence)) <= s.maxLength {
		return append(out, sentence)
	}
	return append(out, s.splitLong(sentence)...)
}

// splitLong breaks an overlong sentence after the last clause separator
// that keeps each piece within maxLength, falling back to the last space.
func (s *SentenceSplitter) splitLong(sentence string) []string {
	var parts []string
	runes := []rune(sentence)
	for len(runes) > s.maxLength {
		cut := -1
		for i := s.maxLength - 1; i > 0; i-- {
			if r := runes[i]; (r == ',' || r == ';') && i+1 < len(runes) && runes[i+1] == ' ' {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			for i := s.maxLength; i > 0; i-- {
				if runes[i] == ' ' {
					cut = i
					break
				}
			}
		}
		if cut < 0 {
			cut = s.maxLength
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// isBoundary reports whether the rune at pos ends a sentence.
func (s *SentenceSplitter) isBoundary(runes []rune, pos int) bool {
	current := runes[pos]
	if current != '.' && current != '!' && current != '?' {
		return false
	}

	// Runs of terminal punctuation end on the last one ("?!", "...").
	next := pos + 1
	if next < len(runes) && (runes[next] == '.' || runes[next] == '!' || runes[next] == '?') {
		return false
	}

	if current == '.' && isDecimal(runes, pos) {
		return false
	}

	// Skip closing quotes, then require whitespace before the next sentence.
	for next < len(runes) && isCloser(runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}

	if current == '.' {
		word := wordBefore(runes, pos)
		if s.titles[word] {
			return false
		}
		if s.abbreviations[word] {
			// An abbreviation ends a sentence only before a capital letter.
			return unicode.IsUpper(runes[next])
		}
	}

	r := runes[next]
	return unicode.IsUpper(r) || unicode.IsDigit(r) || r == '"' || r == '“' || r == '\'' || r == '('
}

func wordBefore(runes []rune, pos int) string {
	start := pos - 1
	for start >= 0 && !unicode.IsSpace(runes[start]) && runes[start] != '(' && runes[start] != '"' {
		start--
	}
	return strings.ToLower(string(runes[start+1 : pos]))
}

func isDecimal(runes []rune, pos int) bool {
	return pos > 0 && pos+1 < len(runes) && unicode.IsDigit(runes[pos-1]) && unicode.IsDigit(runes[pos+1])
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func defaultAbbreviations() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true, "mt": true, "rev": true,
		"gen": true, "col": true, "capt": true, "lt": true, "sgt": true,
		"etc": true, "vs": true, "e.g": true, "i.e": true, "cf": true,
		"inc": true, "ltd": true, "co": true, "corp": true, "no": true,
		"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
		"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
		"nov": true, "dec": true, "vol": true, "ch": true, "p": true, "pp": true,
	}
}

// Titles precede a name, so they never end a sentence.
func defaultTitleAbbreviations() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"st": true, "mt": true, "rev": true, "gen": true, "col": true,
		"capt": true, "lt": true, "sgt": true,
	}
}
