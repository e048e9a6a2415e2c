package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/session"
)

const (
	mjpegBoundary  = "frame"
	mjpegPoll      = 33 * time.Millisecond
	mjpegKeepalive = 2 * time.Second
)

type CameraHandler struct {
	backend CameraBackend
}

func NewCameraHandler(backend CameraBackend) *CameraHandler {
	return &CameraHandler{backend: backend}
}

type CameraListResponse struct {
	Success bool                        `json:"success"`
	Cameras []protocol.CameraDescriptor `json:"cameras"`
}

type SessionListResponse struct {
	Success  bool              `json:"success"`
	Sessions []session.Session `json:"sessions"`
}

// @Summary List cameras
// @Description Configured cameras merged with live capture statistics
// @Tags cameras
// @Produce json
// @Success 200 {object} CameraListResponse
// @Failure 503 {object} map[string]interface{}
// @Router /cameras [get]
func (h *CameraHandler) ListCameras(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	cams, err := h.backend.Cameras(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CameraListResponse{Success: true, Cameras: cams})
}

// @Summary List subscriptions
// @Description Operator sessions and the cameras each is subscribed to
// @Tags cameras
// @Produce json
// @Success 200 {object} SessionListResponse
// @Failure 503 {object} map[string]interface{}
// @Router /sessions [get]
func (h *CameraHandler) ListSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	sessions, err := h.backend.Sessions(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionListResponse{Success: true, Sessions: sessions})
}

// @Summary Latest frame
// @Description The most recent JPEG captured by a camera
// @Tags cameras
// @Produce image/jpeg
// @Param id path int true "Camera ID"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /cameras/{id}/frame [get]
func (h *CameraHandler) GetLatestFrame(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	frame, err := h.backend.LastFrame(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Frame-ID", strconv.FormatUint(frame.ID, 10))
	c.Header("X-Frame-Timestamp", fmt.Sprintf("%.6f", protocol.Timestamp(frame.Timestamp)))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// @Summary MJPEG stream
// @Description multipart/x-mixed-replace stream of a camera's frames for browsers
// @Tags cameras
// @Produce multipart/x-mixed-replace
// @Param id path int true "Camera ID"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /cameras/{id}/stream [get]
func (h *CameraHandler) StreamMJPEG(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}
	if _, err := h.backend.LastFrame(id); err != nil && !errors.Is(err, capture.ErrNoFrame) {
		respondError(c, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	logging.Debug(c).Uint32("camera_id", id).Msg("MJPEG stream opened")
	defer func() {
		logging.Debug(c).Uint32("camera_id", id).Msg("MJPEG stream closed")
	}()

	poll := time.NewTicker(mjpegPoll)
	defer poll.Stop()

	var (
		lastID   uint64
		lastSent time.Time
		sent     bool
	)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-poll.C:
			frame, err := h.backend.LastFrame(id)
			if errors.Is(err, capture.ErrNoFrame) {
				continue
			}
			if err != nil {
				return
			}
			// Resend an unchanged frame only as a keepalive.
			if sent && frame.ID == lastID && now.Sub(lastSent) < mjpegKeepalive {
				continue
			}
			if err := writeMJPEGPart(w, frame.Data); err != nil {
				return
			}
			w.Flush()
			lastID, lastSent, sent = frame.ID, now, true
		}
	}
}

func writeMJPEGPart(w io.Writer, jpeg []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func cameraID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid camera id"})
		return 0, false
	}
	return uint32(id), true
}

func respondError(c *gin.Context, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrUnknownCamera), errors.Is(err, capture.ErrNoFrame):
		status = http.StatusNotFound
	default:
		logging.Warn(c).Err(err).Msg("Admin request failed")
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
