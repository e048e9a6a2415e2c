// Package opencv provides the gocv-backed capture device.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"strconv"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/config"
)

// grabber reads frames from a local camera index or a stream URL.
// VideoCapture cannot be cancelled from another goroutine, so a Close
// during a blocked read leaves the release to capture.NewDevice, which
// runs it once the read returns.
type grabber struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// Open implements capture.Opener.
func Open(cam config.CameraConfig) (capture.Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(cam.Device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(cam.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("open video capture %q: %w", cam.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %q is not opened", cam.Device)
	}

	// Minimal buffering keeps frames fresh.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if cam.Width > 0 && cam.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cam.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cam.Height))
	}
	if cam.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cam.FPS))
	}

	log.Info().
		Uint32("camera_id", cam.ID).
		Str("device", cam.Device).
		Float64("actual_fps", vc.Get(gocv.VideoCaptureFPS)).
		Float64("actual_width", vc.Get(gocv.VideoCaptureFrameWidth)).
		Float64("actual_height", vc.Get(gocv.VideoCaptureFrameHeight)).
		Msg("VideoCapture opened")

	return capture.NewDevice(cam.ID, &grabber{cap: vc, mat: gocv.NewMat()}), nil
}

// Grab reads the next frame and converts it to an image.Image.
func (g *grabber) Grab() (image.Image, error) {
	if ok := g.cap.Read(&g.mat); !ok {
		return nil, errors.New("read failed")
	}
	if g.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	img, err := g.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (g *grabber) Release() error {
	g.mat.Close()
	return g.cap.Close()
}
