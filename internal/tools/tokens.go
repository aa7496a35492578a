package tools

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/timmy/clipforge/internal/logger"
)

const transcriptEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(transcriptEncoding)
		if err != nil {
			logger.Warn("tiktoken encoding %s unavailable, falling back to rune budget: %v", transcriptEncoding, err)
			return
		}
		enc = e
	})
	return enc
}

// TruncateTokens shortens text to at most maxTokens tokens. When the tokenizer
// is unavailable it falls back to four runes per token.
func TruncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return text
	}
	if e := encoding(); e != nil {
		ids := e.Encode(text, nil, nil)
		if len(ids) <= maxTokens {
			return text
		}
		return e.Decode(ids[:maxTokens])
	}
	return truncateRunes(text, maxTokens*4)
}

func truncateRunes(text string, maxRunes int) string {
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return string(r[:maxRunes])
}
