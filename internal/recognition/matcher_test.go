package recognition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faceattend/faceattend-api/internal/models"
)

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float64{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)
}

func TestNormalizeRejectsZeroVector(t *testing.T) {
	_, err := Normalize([]float64{0, 0, 0})
	require.Error(t, err)
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	_, err := Normalize([]float64{1, 0, nan()})
	require.Error(t, err)
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func candidate(embID, studentID string, created time.Time, vector []float64) models.CandidateEmbedding {
	return models.CandidateEmbedding{
		EmbeddingID: embID,
		StudentID:   studentID,
		StudentName: "Student " + studentID,
		ExternalID:  "EXT" + studentID,
		Vector:      vector,
		CreatedAt:   created,
	}
}

func TestBestMatchPicksHighestSimilarity(t *testing.T) {
	now := time.Now()
	cands := []models.CandidateEmbedding{
		candidate("e1", "s1", now, []float64{1, 0}),
		candidate("e2", "s2", now, []float64{0, 1}),
	}
	query, err := Normalize([]float64{0.9, 0.1})
	require.NoError(t, err)

	match, ok := BestMatch(query, cands, 0.60)
	require.True(t, ok)
	assert.Equal(t, "s1", match.StudentID)
	assert.Greater(t, match.Similarity, 0.9)
}

func TestBestMatchBelowThreshold(t *testing.T) {
	now := time.Now()
	cands := []models.CandidateEmbedding{
		candidate("e1", "s1", now, []float64{1, 0}),
	}

	match, ok := BestMatch([]float64{0, 1}, cands, 0.60)
	assert.False(t, ok)
	require.NotNil(t, match)
	assert.Equal(t, "s1", match.StudentID)
}

func TestBestMatchPerStudentMaximum(t *testing.T) {
	now := time.Now()
	// s1 has one weak and one strong embedding; the strong one should win
	// over s2's medium embedding.
	cands := []models.CandidateEmbedding{
		candidate("e1", "s1", now, []float64{0, 1}),
		candidate("e2", "s1", now, []float64{1, 0}),
		candidate("e3", "s2", now, []float64{0.7071, 0.7071}),
	}

	match, ok := BestMatch([]float64{1, 0}, cands, 0.60)
	require.True(t, ok)
	assert.Equal(t, "s1", match.StudentID)
	assert.Equal(t, "e2", match.EmbeddingID)
}

func TestBestMatchTieBreakOlderEnrollmentWins(t *testing.T) {
	older := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)
	cands := []models.CandidateEmbedding{
		candidate("e-new", "s-new", newer, []float64{1, 0}),
		candidate("e-old", "s-old", older, []float64{1, 0}),
	}

	match, ok := BestMatch([]float64{1, 0}, cands, 0.60)
	require.True(t, ok)
	assert.Equal(t, "s-old", match.StudentID)
}

func TestBestMatchEmptyCandidates(t *testing.T) {
	match, ok := BestMatch([]float64{1, 0}, nil, 0.60)
	assert.False(t, ok)
	assert.Nil(t, match)
}

func TestBestMatchDeterministic(t *testing.T) {
	now := time.Now()
	cands := []models.CandidateEmbedding{
		candidate("e1", "s1", now, []float64{0.8, 0.6}),
		candidate("e2", "s2", now, []float64{0.6, 0.8}),
		candidate("e3", "s3", now, []float64{1, 0}),
	}
	query := []float64{0.9, 0.4359}

	first, okFirst := BestMatch(query, cands, 0.60)
	for i := 0; i < 10; i++ {
		again, okAgain := BestMatch(query, cands, 0.60)
		require.Equal(t, okFirst, okAgain)
		require.Equal(t, first.StudentID, again.StudentID)
		require.Equal(t, first.Similarity, again.Similarity)
	}
}
