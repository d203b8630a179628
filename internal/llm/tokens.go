package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens estimates the token count of text. Without the BPE ranks
// available it assumes four bytes per token.
func CountTokens(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Truncate cuts text to at most maxTokens tokens and reports whether it cut.
func Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	if e := encoding(); e != nil {
		toks := e.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text, false
		}
		return e.Decode(toks[:maxTokens]), true
	}
	limit := maxTokens * 4
	if len(text) <= limit {
		return text, false
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit], true
}
