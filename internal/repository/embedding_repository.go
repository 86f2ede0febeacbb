package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/faceattend/faceattend-api/internal/models"
)

const embeddingColumns = `id, student_id, vector, quality_score, deleted_at, created_at`

// EmbeddingRepository persists face embeddings and serves the matcher's
// candidate view.
type EmbeddingRepository struct {
	db *sqlx.DB
}

// NewEmbeddingRepository constructs the repository.
func NewEmbeddingRepository(db *sqlx.DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// ReplaceForStudent soft-deletes the student's current embeddings and
// inserts the new set in one transaction, so re-enrollment never leaves a
// mixed gallery.
func (r *EmbeddingRepository) ReplaceForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin embedding replace: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`UPDATE embeddings SET deleted_at = $1 WHERE student_id = $2 AND deleted_at IS NULL`, now, studentID)
	if err != nil {
		return nil, fmt.Errorf("retire old embeddings: %w", err)
	}

	stored := make([]models.Embedding, 0, len(embeddings))
	insertQuery := fmt.Sprintf(`INSERT INTO embeddings (%s) VALUES ($1, $2, $3, $4, $5, $6)`, embeddingColumns)
	for _, emb := range embeddings {
		emb.ID = uuid.NewString()
		emb.StudentID = studentID
		emb.CreatedAt = now
		emb.DeletedAt = nil
		_, err := tx.ExecContext(ctx, insertQuery,
			emb.ID, emb.StudentID, emb.Vector, emb.QualityScore, emb.DeletedAt, emb.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert embedding: %w", err)
		}
		stored = append(stored, emb)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit embedding replace: %w", err)
	}
	committed = true
	return stored, nil
}

// AppendForStudent adds embeddings without retiring the existing set.
func (r *EmbeddingRepository) AppendForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error) {
	stored := make([]models.Embedding, 0, len(embeddings))
	insertQuery := fmt.Sprintf(`INSERT INTO embeddings (%s) VALUES ($1, $2, $3, $4, $5, $6)`, embeddingColumns)
	for _, emb := range embeddings {
		emb.ID = uuid.NewString()
		emb.StudentID = studentID
		emb.CreatedAt = now
		emb.DeletedAt = nil
		_, err := r.db.ExecContext(ctx, insertQuery,
			emb.ID, emb.StudentID, emb.Vector, emb.QualityScore, emb.DeletedAt, emb.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert embedding: %w", err)
		}
		stored = append(stored, emb)
	}
	return stored, nil
}

// ListByStudent returns the student's live embeddings, newest first.
func (r *EmbeddingRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Embedding, error) {
	query := fmt.Sprintf(`SELECT %s FROM embeddings
WHERE student_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, embeddingColumns)

	var embeddings []models.Embedding
	if err := r.db.SelectContext(ctx, &embeddings, query, studentID); err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	return embeddings, nil
}

// Candidates returns the matching view for one course: every live
// embedding of every live student enrolled in it. Scoping by enrollment
// keeps off-roster faces out of the matcher entirely; an empty result
// doubles as the no-enrolled-students signal.
func (r *EmbeddingRepository) Candidates(ctx context.Context, courseID string) ([]models.CandidateEmbedding, error) {
	query := `SELECT emb.id AS embedding_id, st.id AS student_id, st.name AS student_name,
        st.external_id, emb.vector, emb.created_at
FROM enrollments e
JOIN students st ON st.id = e.student_id AND st.deleted_at IS NULL
JOIN embeddings emb ON emb.student_id = st.id AND emb.deleted_at IS NULL
WHERE e.course_id = $1
ORDER BY emb.created_at ASC, emb.id ASC`

	var candidates []models.CandidateEmbedding
	if err := r.db.SelectContext(ctx, &candidates, query, courseID); err != nil {
		return nil, fmt.Errorf("list candidate embeddings: %w", err)
	}
	return candidates, nil
}
