package session

import "strings"

// Farewell phrases checked against a completed turn's full text. The lists
// are tuned empirically against real call transcripts; keep additions
// conservative because a false positive hangs up on a live caller.
var farewellPhrases = [][]string{
	{"goodbye"},
	{"good", "bye"},
	{"bye", "bye"},
	{"have", "a", "great", "day"},
	{"have", "a", "good", "day"},
	{"have", "a", "wonderful", "day"},
	{"have", "a", "nice", "day"},
	{"have", "a", "great", "rest", "of", "your", "day"},
	{"take", "care"},
	{"talk", "to", "you", "later"},
	{"talk", "to", "you", "soon"},
}

// Greeting openers are exempt from farewell matching; "Hello, thank you for
// calling..." must never read as a goodbye.
var greetingStarters = map[string]struct{}{
	"hello":   {},
	"hi":      {},
	"hey":     {},
	"welcome": {},
}

// IsGoodbye reports whether a completed turn's text is an explicit farewell.
func IsGoodbye(text string) bool {
	words := normalizeWords(text)
	if len(words) == 0 {
		return false
	}
	if _, ok := greetingStarters[words[0]]; ok {
		return false
	}
	if words[0] == "good" && len(words) > 1 {
		switch words[1] {
		case "morning", "afternoon", "evening":
			return false
		}
	}
	for _, phrase := range farewellPhrases {
		if containsWordSeq(words, phrase) {
			return true
		}
	}
	return false
}

func normalizeWords(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

func containsWordSeq(words, seq []string) bool {
	if len(seq) == 0 || len(words) < len(seq) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(words); i++ {
		for j, w := range seq {
			if words[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
