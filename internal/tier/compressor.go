package tier

import (
	"strings"
	"unicode"

	"cnsd/internal/memory"
)

// semanticCompressor performs the lossy context transform: tokenize,
// weight each token by its semantic class, keep only tokens above the
// threshold, and reserialize. Deterministic by construction so the
// same input always compresses identically.
type semanticCompressor struct {
	threshold           float64
	aggressiveThreshold float64
}

func newSemanticCompressor() *semanticCompressor {
	return &semanticCompressor{threshold: 0.4, aggressiveThreshold: 0.65}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "with": {}, "as": {},
	"by": {}, "from": {}, "has": {}, "have": {}, "had": {}, "not": {},
}

// tokenWeight scores a token by semantic class. Identifiers, numbers
// and long content words carry the signal; stopwords and fragments do not.
func tokenWeight(token string) float64 {
	lower := strings.ToLower(token)
	if _, ok := stopwords[lower]; ok {
		return 0.1
	}
	switch {
	case isNumericToken(token):
		return 0.9
	case strings.ContainsAny(token, ":_-./@"):
		// Structured identifiers (keys, emails, URLs, paths).
		return 1.0
	case len(token) > 0 && unicode.IsUpper(rune(token[0])):
		// Proper nouns / entities.
		return 0.9
	case len(token) >= 7:
		return 0.8
	case len(token) >= 4:
		return 0.6
	default:
		return 0.3
	}
}

func isNumericToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !unicode.IsDigit(r) && r != '.' && r != '-' {
			return false
		}
	}
	return true
}

// compressText returns the compressed form and the achieved ratio
// (compressed/original, 1.0 when nothing could be dropped).
func (c *semanticCompressor) compressText(text string, aggressive bool) (string, float64) {
	threshold := c.threshold
	if aggressive {
		threshold = c.aggressiveThreshold
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, 1.0
	}

	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tokenWeight(tok) >= threshold {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		// Degraded input: fall back to passthrough rather than losing
		// the value entirely.
		return text, 1.0
	}

	compressed := strings.Join(kept, " ")
	ratio := float64(len(compressed)) / float64(len(text))
	if ratio > 1.0 {
		ratio = 1.0
	}
	return compressed, ratio
}

// compressValue renders a non-string value to its serialized text form
// before compressing. Serialization failures degrade to passthrough.
func (c *semanticCompressor) compressValue(value any, aggressive bool) (any, float64) {
	text, ok := value.(string)
	if !ok {
		data, err := memory.Serialize(value)
		if err != nil {
			return value, 1.0
		}
		text = string(data)
	}
	compressed, ratio := c.compressText(text, aggressive)
	return compressed, ratio
}

// jaccard computes word-set similarity between two texts.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,;:!?\"'()")] = struct{}{}
	}
	delete(set, "")
	return set
}
