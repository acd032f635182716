package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsProfanity(t *testing.T) {
	wl := NewWordList()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"bare bad word", "shit", true},
		{"bad word in sentence", "fuck you", true},
		{"uppercase", "SHIT happens", true},
		{"mixed case", "FuCk", true},
		{"leet digit", "sh1t", true},
		{"leet symbol", "$hit", true},
		{"leet digits inside word", "a55hole", true},
		{"greeting", "Hello, how are you?", false},
		{"friendly", "Have a nice day!", false},
		{"contained word only", "my class starts soon", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"unicode text", "こんにちは", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wl.ContainsProfanity(tt.text), "text=%q", tt.text)
		})
	}
}

// TestNumericTokensStayClean: leet folding maps digits onto letters, so a
// bare number must never read as a disguised word. Only tokens carrying at
// least one letter are matched.
func TestNumericTokensStayClean(t *testing.T) {
	wl := NewWordList()

	clean := []string{
		"Meeting in room 455",
		"the code is 7175",
		"455",
		"call me at 41557",
		"pi is 3.14159",
		"totally 100% sure",
	}
	for _, text := range clean {
		assert.False(t, wl.ContainsProfanity(text), "text=%q", text)
	}

	// A token mixing digits and letters is still folded and matched.
	assert.True(t, wl.ContainsProfanity("you 455hole"))
}

func TestWordListExtraWords(t *testing.T) {
	wl := NewWordList("frobnicate", "  WIDGET  ", "")

	assert.True(t, wl.ContainsProfanity("do not frobnicate here"))
	assert.True(t, wl.ContainsProfanity("that Widget again"))
	// The built-in dictionary still applies alongside the extras.
	assert.True(t, wl.ContainsProfanity("shit"))
	assert.False(t, wl.ContainsProfanity("a perfectly fine sentence"))
}
