package index

import (
	"hash/fnv"
	"math"
	"strings"
)

// EmbeddingDims is the fixed dimensionality of the local hashing-embedder.
const EmbeddingDims = 128

// Embed produces a deterministic, dependency-free embedding for text using
// the hashing trick: each lowercased token is hashed into one of
// EmbeddingDims buckets and accumulated with a sign derived from a second
// hash, then the vector is L2-normalized. This requires no network egress,
// which keeps retrieval usable in the Fast-Stage-only degraded mode the
// purchase-decision service documents as its offline fallback.
func Embed(text string) []float64 {
	vec := make([]float64, EmbeddingDims)
	for _, tok := range tokenize(text) {
		idx, sign := hashToken(tok)
		vec[idx] += sign
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func hashToken(tok string) (idx int, sign float64) {
	h := fnv.New32a()
	h.Write([]byte(tok))
	hv := h.Sum32()
	idx = int(hv % uint32(EmbeddingDims))

	h2 := fnv.New32a()
	h2.Write([]byte(tok + "#sign"))
	if h2.Sum32()%2 == 0 {
		sign = 1.0
	} else {
		sign = -1.0
	}
	return idx, sign
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity returns the cosine similarity of two equal-length vectors;
// 0 if either is the zero vector.
func CosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
