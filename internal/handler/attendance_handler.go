package handler

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/faceattend/faceattend-api/internal/service"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
	"github.com/faceattend/faceattend-api/pkg/response"
)

// maxFrameBytes caps a single uploaded camera frame.
const maxFrameBytes = 8 << 20

// AttendanceHandler exposes the recognition pipeline and manual marking.
type AttendanceHandler struct {
	attendance *service.AttendanceService
	metrics    *service.MetricsService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance *service.AttendanceService, metrics *service.MetricsService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance, metrics: metrics}
}

// recognizePayload is the JSON alternative to a multipart upload.
type recognizePayload struct {
	Image     string `json:"image" binding:"required"`
	SessionID string `json:"sessionId"`
}

// Recognize godoc
// @Summary Recognize a face and mark attendance
// @Description Accepts one camera frame as a multipart "image" file or a base64 JSON payload
// @Tags Attendance
// @Accept mpfd
// @Accept json
// @Produce json
// @Param sessionId formData string false "Scope to one session"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance/recognize [post]
func (h *AttendanceHandler) Recognize(c *gin.Context) {
	req, err := h.readRecognizeRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	start := time.Now()
	result, err := retryTransient(c.Request.Context(), func(ctx context.Context) (*service.RecognizeResult, error) {
		return h.attendance.Recognize(ctx, req)
	})
	h.observe(result, err, time.Since(start))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}

// Mark godoc
// @Summary Manually mark attendance
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.MarkAttendanceRequest true "Manual mark payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance/mark [post]
func (h *AttendanceHandler) Mark(c *gin.Context) {
	var req service.MarkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	result, err := retryTransient(c.Request.Context(), func(ctx context.Context) (*service.MarkResult, error) {
		return h.attendance.Mark(ctx, req)
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

func (h *AttendanceHandler) readRecognizeRequest(c *gin.Context) (service.RecognizeRequest, error) {
	var req service.RecognizeRequest

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("image")
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "image file is required")
		}
		if file.Size > maxFrameBytes {
			return req, appErrors.Clone(appErrors.ErrValidation, "image exceeds the upload limit")
		}
		opened, err := file.Open()
		if err != nil {
			return req, appErrors.Wrap(err, appErrors.ErrInvalidImage.Code, appErrors.ErrInvalidImage.Status, "image could not be read")
		}
		defer opened.Close()
		data, err := io.ReadAll(io.LimitReader(opened, maxFrameBytes))
		if err != nil {
			return req, appErrors.Wrap(err, appErrors.ErrInvalidImage.Code, appErrors.ErrInvalidImage.Status, "image could not be read")
		}
		req.Image = data
		req.SessionID = c.PostForm("sessionId")
		return req, nil
	}

	var payload recognizePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		return req, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "image is required")
	}
	data, err := base64.StdEncoding.DecodeString(payload.Image)
	if err != nil {
		return req, appErrors.Clone(appErrors.ErrInvalidImage, "image is not valid base64")
	}
	req.Image = data
	req.SessionID = payload.SessionID
	return req, nil
}

func (h *AttendanceHandler) observe(result *service.RecognizeResult, err error, duration time.Duration) {
	if h.metrics == nil {
		return
	}
	outcome := service.ResultMarked
	if err != nil {
		outcome = appErrors.FromError(err).Code
	} else if result != nil {
		outcome = result.Result
	}
	h.metrics.ObserveRecognition(outcome, duration)
}
