package result

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSnippetLength is the maximum snippet length in characters.
const MaxSnippetLength = 200

const ellipsis = "..."

// Metadata identifies where a retrieval hit came from.
type Metadata struct {
	SKU          string `json:"sku,omitempty"`
	MerchantID   string `json:"merchant_id"`
	DocumentType string `json:"document_type"`
	SourceURI    string `json:"source_uri"`
}

// Result is a single vector search hit. It is derived per query and never persisted.
type Result struct {
	ID            string   `json:"id"`
	Snippet       string   `json:"snippet"`
	Score         float64  `json:"score"`
	Metadata      Metadata `json:"metadata"`
	GroundingPass bool     `json:"grounding_pass"`
}

// New creates a result. score is clamped to [0,1]; body is cut to a snippet.
func New(id, body string, score, threshold float64, meta Metadata) Result {
	score = ClampScore(score)
	return Result{
		ID:            id,
		Snippet:       Snippet(body),
		Score:         score,
		Metadata:      meta,
		GroundingPass: score > threshold,
	}
}

// ClampScore maps a raw similarity (1 - cosine distance) into [0,1].
func ClampScore(s float64) float64 {
	if s < 0 || s != s {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Snippet truncates body to at most MaxSnippetLength characters without splitting a word.
func Snippet(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= MaxSnippetLength {
		return body
	}

	runes := []rune(body)
	cut := MaxSnippetLength - len(ellipsis)
	head := runes[:cut]

	// runes[cut] starting a new word means head already ends on a boundary.
	if !unicode.IsSpace(runes[cut]) {
		for i := len(head) - 1; i > 0; i-- {
			if unicode.IsSpace(head[i]) {
				head = head[:i]
				break
			}
		}
	}
	return strings.TrimRightFunc(string(head), unicode.IsSpace) + ellipsis
}
