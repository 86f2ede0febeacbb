package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
	"github.com/faceattend/faceattend-api/pkg/export"
)

// ExportFormat selects the report renderer.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

type attendanceReportSource interface {
	ListBySession(ctx context.Context, sessionID string) (*SessionAttendance, error)
}

type sessionSource interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// ExportFile is a rendered report ready for download.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders session attendance reports.
type ExportService struct {
	attendance attendanceReportSource
	sessions   sessionSource
	courses    courseReader
	csv        *export.CSVExporter
	pdf        *export.PDFExporter
	logger     *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(
	attendance attendanceReportSource,
	sessions sessionSource,
	courses courseReader,
	logger *zap.Logger,
) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		attendance: attendance,
		sessions:   sessions,
		courses:    courses,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		logger:     logger,
	}
}

// SessionReport renders one session's attendance in the requested format.
func (s *ExportService) SessionReport(ctx context.Context, sessionID string, format ExportFormat) (*ExportFile, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	course, err := s.courses.FindByID(ctx, session.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "course lookup failed")
	}
	report, err := s.attendance.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{
		Headers: []string{"Student ID", "Name", "Status", "Check-in", "Last seen", "Method", "Confidence"},
	}
	for _, record := range report.Records {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student ID": record.StudentExternalID,
			"Name":       record.StudentName,
			"Status":     string(record.Status),
			"Check-in":   formatTimestamp(record.CheckInTime),
			"Last seen":  formatTimestamp(record.LastSeenTime),
			"Method":     string(record.Method),
			"Confidence": formatConfidence(record.Confidence),
		})
	}

	date := session.StartsAt.Format("2006-01-02")
	switch format {
	case ExportFormatCSV:
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "csv render failed")
		}
		return &ExportFile{
			Filename:    fmt.Sprintf("attendance_%s_%s.csv", course.Code, date),
			ContentType: "text/csv",
			Data:        data,
		}, nil
	case ExportFormatPDF:
		title := fmt.Sprintf("Attendance %s (%s) %s", course.Name, course.Code, date)
		data, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "pdf render failed")
		}
		return &ExportFile{
			Filename:    fmt.Sprintf("attendance_%s_%s.pdf", course.Code, date),
			ContentType: "application/pdf",
			Data:        data,
		}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", format))
	}
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("15:04:05")
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%.3f", *c)
}
