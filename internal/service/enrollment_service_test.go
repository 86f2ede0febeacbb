package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/internal/vision"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type embeddingWriterStub struct {
	replaced []models.Embedding
	appended []models.Embedding
}

func (s *embeddingWriterStub) ReplaceForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error) {
	s.replaced = embeddings
	return embeddings, nil
}

func (s *embeddingWriterStub) AppendForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error) {
	s.appended = embeddings
	return embeddings, nil
}

func (s *embeddingWriterStub) ListByStudent(ctx context.Context, studentID string) ([]models.Embedding, error) {
	return nil, nil
}

// framedProvider returns one pre-baked face per frame, keyed by frame
// content.
type framedProvider struct {
	byFrame map[string][]vision.Face
}

func (p *framedProvider) Embed(ctx context.Context, image []byte) ([]vision.Face, error) {
	return p.byFrame[string(image)], nil
}

func enrollmentCfg() config.EnrollmentConfig {
	return config.EnrollmentConfig{
		KMin:             2,
		KMax:             3,
		MinFaceSize:      80,
		BlurThreshold:    100.0,
		MaxYawDegrees:    25.0,
		DetectionWeight:  0.5,
		SharpnessWeight:  0.3,
		FrontalityWeight: 0.2,
		DuplicateCosine:  0.995,
	}
}

func enrollmentFixture(provider vision.Provider) (*FaceEnrollmentService, *embeddingWriterStub) {
	students := &studentReaderStub{students: map[string]*models.Student{
		"stu-1": {ID: "stu-1", Name: "Ada"},
	}}
	writer := &embeddingWriterStub{}
	settings := &settingsSourceStub{settings: models.RuntimeSettings{EnrollmentKMin: 2, EnrollmentKMax: 3}}
	svc := NewFaceEnrollmentService(students, writer, provider, enrollmentCfg(), settings,
		clock.NewFixed(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)), nil, nil)
	return svc, writer
}

func face(embedding []float64, size int, sharpness, yaw float64) vision.Face {
	return vision.Face{
		BBox:           vision.BBox{Width: size, Height: size},
		Embedding:      embedding,
		DetectionScore: 0.95,
		Sharpness:      sharpness,
		Yaw:            yaw,
	}
}

func TestEnrollFramesStoresTopK(t *testing.T) {
	provider := &framedProvider{byFrame: map[string][]vision.Face{
		"f0": {face([]float64{1, 0}, 160, 250, 0)},
		"f1": {face([]float64{0, 1}, 160, 200, 5)},
		"f2": {face([]float64{0.7, 0.7}, 160, 180, 10)},
		"f3": {face([]float64{-1, 0}, 160, 150, 15)},
	}}
	svc, writer := enrollmentFixture(provider)

	summary, err := svc.EnrollFrames(context.Background(), EnrollFramesRequest{
		StudentID: "stu-1",
		Frames:    [][]byte{[]byte("f0"), []byte("f1"), []byte("f2"), []byte("f3")},
		Replace:   true,
	})
	require.NoError(t, err)
	// Four accepted frames, capped at K-max 3.
	assert.Equal(t, 3, summary.Stored)
	assert.True(t, summary.Replaced)
	require.Len(t, writer.replaced, 3)
	for _, emb := range writer.replaced {
		assert.Greater(t, emb.QualityScore, 0.0)
	}
}

func TestEnrollFramesRejectsGateFailures(t *testing.T) {
	provider := &framedProvider{byFrame: map[string][]vision.Face{
		"small":  {face([]float64{1, 0}, 40, 250, 0)},
		"blurry": {face([]float64{1, 0}, 160, 50, 0)},
		"turned": {face([]float64{1, 0}, 160, 250, 40)},
		"none":   {},
		"crowd":  {face([]float64{1, 0}, 160, 250, 0), face([]float64{0, 1}, 160, 250, 0)},
	}}
	svc, _ := enrollmentFixture(provider)

	summary, err := svc.EnrollFrames(context.Background(), EnrollFramesRequest{
		StudentID: "stu-1",
		Frames:    [][]byte{[]byte("small"), []byte("blurry"), []byte("turned"), []byte("none"), []byte("crowd")},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInsufficientQuality.Code, appErrors.FromError(err).Code)
	require.NotNil(t, summary)

	reasons := map[int][]string{}
	for _, report := range summary.Frames {
		reasons[report.Index] = report.Reasons
	}
	assert.Contains(t, reasons[0], "face_too_small")
	assert.Contains(t, reasons[1], "too_blurry")
	assert.Contains(t, reasons[2], "not_frontal")
	assert.Contains(t, reasons[3], "no_face")
	assert.Contains(t, reasons[4], "multiple_faces")
}

func TestEnrollFramesDropsNearDuplicates(t *testing.T) {
	// Two near-identical frames plus one distinct; only two survive.
	provider := &framedProvider{byFrame: map[string][]vision.Face{
		"a":  {face([]float64{1, 0}, 160, 250, 0)},
		"a2": {face([]float64{0.9999, 0.0001}, 160, 240, 1)},
		"b":  {face([]float64{0, 1}, 160, 230, 2)},
	}}
	svc, writer := enrollmentFixture(provider)

	summary, err := svc.EnrollFrames(context.Background(), EnrollFramesRequest{
		StudentID: "stu-1",
		Frames:    [][]byte{[]byte("a"), []byte("a2"), []byte("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Stored)
	assert.Len(t, writer.appended, 2)
}

func TestEnrollFramesInsufficientQualityStoresNothing(t *testing.T) {
	provider := &framedProvider{byFrame: map[string][]vision.Face{
		"good": {face([]float64{1, 0}, 160, 250, 0)},
		"bad":  {},
	}}
	svc, writer := enrollmentFixture(provider)

	_, err := svc.EnrollFrames(context.Background(), EnrollFramesRequest{
		StudentID: "stu-1",
		Frames:    [][]byte{[]byte("good"), []byte("bad")},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInsufficientQuality.Code, appErrors.FromError(err).Code)
	assert.Empty(t, writer.replaced)
	assert.Empty(t, writer.appended)
}

func TestEnrollFramesUnknownStudent(t *testing.T) {
	svc, _ := enrollmentFixture(&framedProvider{})
	svc.students.(*studentReaderStub).students = map[string]*models.Student{}

	_, err := svc.EnrollFrames(context.Background(), EnrollFramesRequest{
		StudentID: "ghost",
		Frames:    [][]byte{[]byte("f0")},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
