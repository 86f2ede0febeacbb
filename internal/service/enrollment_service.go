package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/internal/recognition"
	"github.com/faceattend/faceattend-api/internal/vision"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type embeddingWriter interface {
	ReplaceForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error)
	AppendForStudent(ctx context.Context, studentID string, embeddings []models.Embedding, now time.Time) ([]models.Embedding, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Embedding, error)
}

type frameArchive interface {
	Save(filename string, data []byte) (string, error)
}

// FrameReport explains what happened to one submitted frame.
type FrameReport struct {
	Index    int      `json:"index"`
	Accepted bool     `json:"accepted"`
	Quality  float64  `json:"quality,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// EnrollFramesRequest carries the capture burst for one student.
type EnrollFramesRequest struct {
	StudentID string   `validate:"required"`
	Frames    [][]byte `validate:"required,min=1"`
	Replace   bool
}

// EnrollmentSummary reports the outcome of a capture burst.
type EnrollmentSummary struct {
	StudentID string        `json:"studentId"`
	Stored    int           `json:"stored"`
	Replaced  bool          `json:"replaced"`
	Frames    []FrameReport `json:"frames"`
}

// scoredFrame is an accepted frame awaiting top-K selection.
type scoredFrame struct {
	index   int
	vector  []float64
	quality float64
}

// FaceEnrollmentService turns a burst of camera frames into a student's
// embedding gallery: per-frame quality gates, composite scoring, near
// duplicate suppression and top-K selection.
type FaceEnrollmentService struct {
	students   studentReader
	embeddings embeddingWriter
	provider   vision.Provider
	cfg        config.EnrollmentConfig
	settings   settingsSource
	archive    frameArchive
	clock      clock.Clock
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewFaceEnrollmentService constructs FaceEnrollmentService.
func NewFaceEnrollmentService(
	students studentReader,
	embeddings embeddingWriter,
	provider vision.Provider,
	cfg config.EnrollmentConfig,
	settings settingsSource,
	clk clock.Clock,
	validate *validator.Validate,
	logger *zap.Logger,
) *FaceEnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaceEnrollmentService{
		students:   students,
		embeddings: embeddings,
		provider:   provider,
		cfg:        cfg,
		settings:   settings,
		clock:      clk,
		validator:  validate,
		logger:     logger,
	}
}

// SetArchive enables snapshot archiving of accepted frames.
func (s *FaceEnrollmentService) SetArchive(archive frameArchive) {
	s.archive = archive
}

// EnrollFrames runs the capture pipeline. Fewer than K-min accepted
// frames fails the whole burst with INSUFFICIENT_QUALITY and nothing is
// stored; otherwise the best K-max frames replace or extend the gallery
// atomically.
func (s *FaceEnrollmentService) EnrollFrames(ctx context.Context, req EnrollFramesRequest) (*EnrollmentSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment request")
	}

	now := s.clock.Now()

	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "student lookup failed")
	}

	kMin, kMax := s.selectionBounds(ctx)

	reports := make([]FrameReport, 0, len(req.Frames))
	accepted := make([]scoredFrame, 0, len(req.Frames))

	for i, frame := range req.Frames {
		report := s.evaluateFrame(ctx, i, frame)
		reports = append(reports, report.FrameReport)
		if report.FrameReport.Accepted {
			accepted = append(accepted, scoredFrame{index: i, vector: report.vector, quality: report.FrameReport.Quality})
		}
	}

	selected := s.selectTopK(accepted, kMax)

	if len(selected) < kMin {
		return &EnrollmentSummary{StudentID: req.StudentID, Frames: reports},
			appErrors.Clone(appErrors.ErrInsufficientQuality,
				fmt.Sprintf("%d usable frames, need at least %d", len(selected), kMin))
	}

	embeddings := make([]models.Embedding, 0, len(selected))
	for _, frame := range selected {
		embeddings = append(embeddings, models.Embedding{
			Vector:       frame.vector,
			QualityScore: frame.quality,
		})
	}

	var stored []models.Embedding
	var err error
	if req.Replace {
		stored, err = s.embeddings.ReplaceForStudent(ctx, req.StudentID, embeddings, now)
	} else {
		stored, err = s.embeddings.AppendForStudent(ctx, req.StudentID, embeddings, now)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to store embeddings")
	}

	s.archiveFrames(req, selected, stored, now)

	s.logger.Sugar().Infow("enrollment stored",
		"student_id", req.StudentID, "frames", len(req.Frames), "stored", len(stored), "replace", req.Replace)

	return &EnrollmentSummary{
		StudentID: req.StudentID,
		Stored:    len(stored),
		Replaced:  req.Replace,
		Frames:    reports,
	}, nil
}

// archiveFrames writes accepted frames to the snapshot store. Archiving
// is best effort; the gallery is already committed at this point.
func (s *FaceEnrollmentService) archiveFrames(req EnrollFramesRequest, selected []scoredFrame, stored []models.Embedding, now time.Time) {
	if s.archive == nil {
		return
	}
	for i, frame := range selected {
		name := fmt.Sprintf("%s/%d_%d", req.StudentID, now.UnixNano(), frame.index)
		if i < len(stored) && stored[i].ID != "" {
			name = fmt.Sprintf("%s/%s", req.StudentID, stored[i].ID)
		}
		if _, err := s.archive.Save(name+".jpg", req.Frames[frame.index]); err != nil {
			s.logger.Sugar().Warnw("snapshot archive failed", "student_id", req.StudentID, "frame", frame.index, "error", err)
		}
	}
}

// ListEmbeddings returns the student's live gallery.
func (s *FaceEnrollmentService) ListEmbeddings(ctx context.Context, studentID string) ([]models.Embedding, error) {
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "student lookup failed")
	}
	embeddings, err := s.embeddings.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list embeddings")
	}
	return embeddings, nil
}

type frameEvaluation struct {
	FrameReport
	vector []float64
}

func (s *FaceEnrollmentService) evaluateFrame(ctx context.Context, index int, image []byte) frameEvaluation {
	report := frameEvaluation{FrameReport: FrameReport{Index: index}}

	faces, err := s.provider.Embed(ctx, image)
	if err != nil {
		report.Reasons = append(report.Reasons, "provider_error")
		return report
	}
	if len(faces) == 0 {
		report.Reasons = append(report.Reasons, "no_face")
		return report
	}
	if len(faces) > 1 {
		report.Reasons = append(report.Reasons, "multiple_faces")
		return report
	}

	face := faces[0]
	if min(face.BBox.Width, face.BBox.Height) < s.cfg.MinFaceSize {
		report.Reasons = append(report.Reasons, "face_too_small")
	}
	if face.Sharpness < s.cfg.BlurThreshold {
		report.Reasons = append(report.Reasons, "too_blurry")
	}
	if math.Abs(face.Yaw) > s.cfg.MaxYawDegrees {
		report.Reasons = append(report.Reasons, "not_frontal")
	}
	if len(report.Reasons) > 0 {
		return report
	}

	vector, err := recognition.Normalize(face.Embedding)
	if err != nil {
		report.Reasons = append(report.Reasons, "unusable_embedding")
		return report
	}

	report.Accepted = true
	report.Quality = s.qualityScore(face)
	report.vector = vector
	return report
}

// qualityScore combines detection confidence, sharpness and frontality
// into a single comparable number.
func (s *FaceEnrollmentService) qualityScore(face vision.Face) float64 {
	sharpness := math.Min(face.Sharpness/(2*s.cfg.BlurThreshold), 1.0)
	frontality := math.Max(0, 1.0-math.Abs(face.Yaw)/90.0)
	return s.cfg.DetectionWeight*face.DetectionScore +
		s.cfg.SharpnessWeight*sharpness +
		s.cfg.FrontalityWeight*frontality
}

// selectTopK orders accepted frames by quality and drops near-duplicates
// so the stored gallery covers distinct appearances.
func (s *FaceEnrollmentService) selectTopK(frames []scoredFrame, kMax int) []scoredFrame {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].quality > frames[j].quality
	})

	selected := make([]scoredFrame, 0, kMax)
	for _, frame := range frames {
		if len(selected) >= kMax {
			break
		}
		duplicate := false
		for _, kept := range selected {
			if recognition.Cosine(frame.vector, kept.vector) >= s.cfg.DuplicateCosine {
				duplicate = true
				break
			}
		}
		if !duplicate {
			selected = append(selected, frame)
		}
	}
	return selected
}

func (s *FaceEnrollmentService) selectionBounds(ctx context.Context) (int, int) {
	kMin, kMax := s.cfg.KMin, s.cfg.KMax
	if settings, err := s.settings.Current(ctx); err == nil && settings != nil {
		if settings.EnrollmentKMin > 0 {
			kMin = settings.EnrollmentKMin
		}
		if settings.EnrollmentKMax > 0 {
			kMax = settings.EnrollmentKMax
		}
	}
	if kMax < kMin {
		kMax = kMin
	}
	return kMin, kMax
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
