package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbeddingRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEmbeddingRepositoryCandidatesScopedToCourse(t *testing.T) {
	db, mock, cleanup := newEmbeddingRepoMock(t)
	defer cleanup()
	repo := NewEmbeddingRepository(db)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"embedding_id", "student_id", "student_name",
		"external_id", "vector", "created_at"}).
		AddRow("emb-1", "stu-1", "Ada", "STU001", []byte("{1,0}"), now).
		AddRow("emb-2", "stu-2", "Grace", "STU002", []byte("{0,1}"), now)
	mock.ExpectQuery("FROM enrollments e").
		WithArgs("course-1").
		WillReturnRows(rows)

	candidates, err := repo.Candidates(context.Background(), "course-1")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "stu-1", candidates[0].StudentID)
	assert.Equal(t, "Grace", candidates[1].StudentName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingRepositoryCandidatesEmptyForUnrosteredCourse(t *testing.T) {
	db, mock, cleanup := newEmbeddingRepoMock(t)
	defer cleanup()
	repo := NewEmbeddingRepository(db)

	mock.ExpectQuery("FROM enrollments e").
		WithArgs("course-empty").
		WillReturnRows(sqlmock.NewRows([]string{"embedding_id", "student_id", "student_name",
			"external_id", "vector", "created_at"}))

	candidates, err := repo.Candidates(context.Background(), "course-empty")
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.NoError(t, mock.ExpectationsWereMet())
}
