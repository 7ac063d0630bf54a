package index

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// HashEmbedding returns a deterministic local embedding function: token
// counts folded into dim buckets by FNV hash, L2-normalized. It needs no
// model server and gives identical vectors for identical text, which keeps
// query ordering reproducible. Swap in one of chromem's model-backed
// embedding functions for semantically richer ranking.
func HashEmbedding(dim int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("cannot embed empty text")
		}
		vec := make([]float32, dim)
		for _, token := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(token))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			return nil, fmt.Errorf("no tokens in text")
		}
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
		return vec, nil
	}
}

// tokenize lowercases and splits on anything that is not a letter, digit
// or underscore, keeping identifier-shaped tokens whole.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
