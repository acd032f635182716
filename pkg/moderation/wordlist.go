package moderation

import (
	"strings"
	"unicode"

	goaway "github.com/TwiN/go-away"
)

// WordList is the lexical profanity stage, backed by go-away's detector and
// its built-in dictionary. Immutable after construction and safe for
// concurrent use.
type WordList struct {
	detector *goaway.ProfanityDetector
}

// NewWordList builds the classifier, extending the built-in dictionary with
// any extra words (e.g. from configuration).
func NewWordList(extra ...string) *WordList {
	detector := goaway.NewProfanityDetector()
	if len(extra) > 0 {
		profanities := make([]string, 0, len(goaway.DefaultProfanities)+len(extra))
		profanities = append(profanities, goaway.DefaultProfanities...)
		for _, w := range extra {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				profanities = append(profanities, w)
			}
		}
		detector = detector.WithCustomDictionary(profanities, goaway.DefaultFalsePositives, goaway.DefaultFalseNegatives)
	}
	return &WordList{detector: detector}
}

// ContainsProfanity reports whether text matches the vocabulary, tolerating
// leet substitutions. Tokens without a single letter are excluded before
// detection: leet folding must never turn a room number or a numeric code
// into a listed word.
func (wl *WordList) ContainsProfanity(text string) bool {
	var kept []string
	for _, token := range strings.Fields(text) {
		if hasLetter(token) {
			kept = append(kept, token)
		}
	}
	if len(kept) == 0 {
		return false
	}
	return wl.detector.IsProfane(strings.Join(kept, " "))
}

func hasLetter(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
