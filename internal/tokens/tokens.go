// Package tokens counts tokens for budget checks before a request is sent.
//
// Two strategies exist: an accurate BPE counter (cl100k_base) and a rune based
// heuristic. Default resolves the accurate counter once and falls back to the
// heuristic when the encoding cannot be loaded.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

const encodingName = "cl100k_base"

// Counter is a token counting strategy.
type Counter interface {
	Name() string
	Count(text string) int
}

var (
	resolveOnce sync.Once
	resolved    Counter
)

// Default returns the process-wide counter, resolving it on first use.
func Default() Counter {
	resolveOnce.Do(func() {
		bpe, err := NewBPE()
		if err != nil {
			resolved = Heuristic{}
			return
		}
		resolved = bpe
	})
	return resolved
}

// BPE counts tokens with the cl100k_base encoding.
type BPE struct {
	enc      *tiktoken.Tiktoken
	fallback Counter
}

func NewBPE() (*BPE, error) {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", encodingName, err)
	}
	return &BPE{enc: enc, fallback: Heuristic{}}, nil
}

func (b *BPE) Name() string { return "bpe:" + encodingName }

func (b *BPE) Count(text string) (n int) {
	if text == "" {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			n = b.fallback.Count(text)
		}
	}()
	return len(b.enc.Encode(text, nil, nil))
}

// Heuristic estimates tokens without a vocabulary: each CJK rune counts as
// one token, other runes count four to a token.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}

	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
			continue
		}
		other++
	}
	return cjk + (other+3)/4
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x3040 && r <= 0x30FF:
		return true
	case r >= 0xAC00 && r <= 0xD7AF:
		return true
	}
	return false
}
