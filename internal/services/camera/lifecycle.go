package camera

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/protocol"
)

// HealthCheck restarts stopped pipelines. Starts run off the loop since
// opening a device can block.
func (s *Service) HealthCheck() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.closed {
		return
	}

	for _, p := range s.pipelines {
		if p.State() != capture.StateStopped || s.restarting[p.CameraID()] {
			continue
		}
		id := p.CameraID()
		s.restarting[id] = true
		s.pending.Add(1)

		s.log.Warn().Uint32("camera_id", id).Msg("Camera stopped, restarting")
		go func(p *capture.Pipeline) {
			defer s.pending.Done()
			if err := p.Start(); err == nil {
				s.log.Info().Uint32("camera_id", id).Msg("Camera restarted")
			}
			s.restartMu.Lock()
			delete(s.restarting, id)
			s.restartMu.Unlock()
		}(p)
	}
}

func (s *Service) handleScreenshot(ctx *gateway.Context, r protocol.ScreenshotRequest) error {
	p, ok := s.byID[r.CameraID]
	if !ok {
		return ctx.Reply(protocol.NewError(r.Kind(), fmt.Sprintf("unknown camera %d", r.CameraID)))
	}
	frame, err := p.LastFrame()
	if err != nil {
		return ctx.Reply(protocol.NewError(r.Kind(), fmt.Sprintf("camera %d: %v", r.CameraID, err)))
	}

	resp := protocol.ScreenshotCaptured{
		Message:   protocol.MessageScreenshotCaptured,
		Status:    protocol.StatusSuccess,
		CameraID:  frame.CameraID,
		Timestamp: protocol.Timestamp(frame.Timestamp),
		Width:     frame.Width,
		Height:    frame.Height,
		ImageData: base64.StdEncoding.EncodeToString(frame.Data),
	}
	if s.screenshotDir != "" {
		resp.Filename = fmt.Sprintf("camera_%d_%d.jpg", frame.CameraID, frame.Timestamp.UnixMilli())
		s.saveScreenshot(resp.Filename, frame)
	}
	s.screenshots++
	return ctx.Reply(resp)
}

// saveScreenshot writes frame under the screenshot directory without
// blocking the loop.
func (s *Service) saveScreenshot(name string, frame *capture.Frame) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.closed {
		return
	}
	s.pending.Add(1)

	path := filepath.Join(s.screenshotDir, name)
	go func() {
		defer s.pending.Done()
		if err := os.MkdirAll(s.screenshotDir, 0o755); err != nil {
			s.writeFailures.Add(1)
			s.log.Error().Err(err).Str("dir", s.screenshotDir).Msg("Failed to create screenshot directory")
			return
		}
		if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
			s.writeFailures.Add(1)
			s.log.Error().Err(err).Str("path", path).Msg("Failed to write screenshot")
			return
		}
		s.log.Debug().Str("path", path).Int("bytes", len(frame.Data)).Msg("Screenshot saved")
	}()
}

// Close waits for pending restarts and screenshot writes, then stops
// every pipeline.
func (s *Service) Close() error {
	s.restartMu.Lock()
	s.closed = true
	s.restartMu.Unlock()
	s.pending.Wait()

	stopped := 0
	for _, p := range s.pipelines {
		if err := p.Stop(); err == nil {
			stopped++
		}
	}
	s.log.Info().Int("stopped", stopped).Msg("Camera gateway closed")
	return nil
}
