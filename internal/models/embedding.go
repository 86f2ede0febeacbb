package models

import (
	"time"

	"github.com/lib/pq"
)

// Embedding is a unit-normalized face vector attached to a student.
// Embeddings are immutable after enrollment except for deletion, and they
// cascade when their student is soft-deleted.
type Embedding struct {
	ID           string          `db:"id" json:"id"`
	StudentID    string          `db:"student_id" json:"studentId"`
	Vector       pq.Float64Array `db:"vector" json:"-"`
	QualityScore float64         `db:"quality_score" json:"qualityScore"`
	DeletedAt    *time.Time      `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// CandidateEmbedding is the dense matching view: one enrolled student's
// embedding with just enough metadata for the matcher and result assembly.
type CandidateEmbedding struct {
	EmbeddingID string          `db:"embedding_id" json:"embeddingId"`
	StudentID   string          `db:"student_id" json:"studentId"`
	StudentName string          `db:"student_name" json:"studentName"`
	ExternalID  string          `db:"external_id" json:"externalId"`
	Vector      pq.Float64Array `db:"vector" json:"-"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}
