// Package recognition implements the pure cosine-similarity matcher over
// enrolled-student embeddings. It holds no state and is deterministic for
// a fixed candidate set.
package recognition

import (
	"fmt"
	"math"

	"github.com/faceattend/faceattend-api/internal/models"
)

// tieEpsilon bounds similarity differences treated as a tie; ties resolve
// to the older enrollment.
const tieEpsilon = 1e-6

// Match is the best candidate for a query vector.
type Match struct {
	StudentID   string
	StudentName string
	ExternalID  string
	EmbeddingID string
	Similarity  float64
}

// Normalize scales v to unit length. It rejects zero and non-finite
// vectors.
func Normalize(v []float64) ([]float64, error) {
	var sum float64
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("vector contains non-finite component")
		}
		sum += x * x
	}
	if sum == 0 {
		return nil, fmt.Errorf("zero vector cannot be normalized")
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, nil
}

// Cosine returns the dot product of two vectors. For unit-normalized
// inputs this equals cosine similarity.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// BestMatch scores the query against every candidate embedding, taking
// each student's score as the maximum similarity across their embeddings.
// It returns the winning match and whether it clears the threshold.
func BestMatch(query []float64, candidates []models.CandidateEmbedding, threshold float64) (*Match, bool) {
	var best *Match
	var bestCreated int64

	for i := range candidates {
		cand := &candidates[i]
		sim := Cosine(query, cand.Vector)
		created := cand.CreatedAt.UnixNano()

		switch {
		case best == nil || sim > best.Similarity+tieEpsilon:
			best = &Match{
				StudentID:   cand.StudentID,
				StudentName: cand.StudentName,
				ExternalID:  cand.ExternalID,
				EmbeddingID: cand.EmbeddingID,
				Similarity:  sim,
			}
			bestCreated = created
		case sim >= best.Similarity-tieEpsilon:
			// Tie: the older enrollment wins, embedding id as final order.
			if created < bestCreated || (created == bestCreated && cand.EmbeddingID < best.EmbeddingID) {
				best = &Match{
					StudentID:   cand.StudentID,
					StudentName: cand.StudentName,
					ExternalID:  cand.ExternalID,
					EmbeddingID: cand.EmbeddingID,
					Similarity:  math.Max(sim, best.Similarity),
				}
				bestCreated = created
			}
		}
	}

	if best == nil {
		return nil, false
	}
	return best, best.Similarity >= threshold
}
