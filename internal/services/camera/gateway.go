// Package camera implements the camera gateway: subscriptions, camera
// listing, screenshots and the periodic frame fan-out.
package camera

import (
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/session"
)

// Service is the camera gateway. Apart from the pipelines, whose frame
// queues are synchronized, it is owned by the gateway event loop.
type Service struct {
	cfg       *config.Config
	log       zerolog.Logger
	pipelines []*capture.Pipeline
	byID      map[uint32]*capture.Pipeline
	registry  *session.Registry

	fanoutInterval time.Duration
	binaryFrames   bool
	screenshotDir  string

	// Background restarts and screenshot writes, drained by Close.
	pending    sync.WaitGroup
	restarting map[uint32]bool
	restartMu  sync.Mutex
	closed     bool

	framesSent    int64
	frameBytes    int64
	sendErrors    int64
	screenshots   int64
	writeFailures atomic.Int64
}

// New builds the camera gateway for every camera in cfg.Cameras, opening
// devices with open.
func New(cfg *config.Config, open capture.Opener, logger zerolog.Logger) *Service {
	fps := cfg.FanoutFPS
	if fps <= 0 {
		fps = 30
	}
	s := &Service{
		cfg:            cfg,
		log:            logger,
		byID:           make(map[uint32]*capture.Pipeline, len(cfg.Cameras)),
		registry:       session.NewRegistry(cfg.Cameras, cfg.SessionTimeout, time.Now, logger),
		fanoutInterval: time.Second / time.Duration(fps),
		binaryFrames:   cfg.BinaryFrames,
		screenshotDir:  cfg.ScreenshotDir,
		restarting:     make(map[uint32]bool),
	}
	for _, cam := range cfg.Cameras {
		p := capture.NewPipeline(capture.Options{
			Camera:      cam,
			Open:        open,
			MTUBudget:   cfg.MTUBudget,
			QueueSize:   cfg.FrameQueueSize,
			StopTimeout: cfg.CaptureStopTimeout,
			Logger:      logging.WithCamera(logger, cam.ID),
		})
		s.pipelines = append(s.pipelines, p)
		s.byID[cam.ID] = p
	}
	return s
}

func (s *Service) Name() string { return "camera-gateway" }

// StartCameras starts every pipeline. Failures are logged and left to
// the health check.
func (s *Service) StartCameras() int {
	started := 0
	for _, p := range s.pipelines {
		if err := p.Start(); err == nil {
			started++
		}
	}
	s.log.Info().Int("started", started).Int("configured", len(s.pipelines)).Msg("Cameras started")
	return started
}

// Pipeline returns the pipeline for cameraID.
func (s *Service) Pipeline(cameraID uint32) (*capture.Pipeline, bool) {
	p, ok := s.byID[cameraID]
	return p, ok
}

// Handle implements gateway.Service.
func (s *Service) Handle(ctx *gateway.Context, req protocol.Request) error {
	s.touch(ctx)

	switch r := req.(type) {
	case protocol.SubscribeRequest:
		return s.handleSubscribe(ctx, r)
	case protocol.UnsubscribeRequest:
		return s.handleUnsubscribe(ctx, r)
	case protocol.CameraListRequest:
		return ctx.Reply(protocol.CameraListResponse{
			Message: protocol.MessageCameraList,
			Status:  protocol.StatusSuccess,
			Cameras: s.Cameras(),
		})
	case protocol.ScreenshotRequest:
		return s.handleScreenshot(ctx, r)
	default:
		s.log.Info().Str("type", req.Kind()).Str("peer", ctx.Peer.String()).Msg("Request not served by camera gateway")
		return ctx.Reply(protocol.NewError(req.Kind(), "unsupported request type"))
	}
}

// touch refreshes the peer's subscription and security session.
func (s *Service) touch(ctx *gateway.Context) {
	if sess, ok := s.registry.Lookup(ctx.Peer); ok {
		s.registry.Touch(ctx.Peer)
		ctx.Security.Touch(sess.ID)
	}
}

func (s *Service) handleSubscribe(ctx *gateway.Context, r protocol.SubscribeRequest) error {
	id, err := ctx.Security.Bind(r.SessionID, ctx.Peer)
	if err != nil {
		return err
	}

	confirmed, rejected := s.registry.Subscribe(ctx.Peer, r.CameraIDs, id)
	if confirmed == nil {
		confirmed = []uint32{}
	}
	return ctx.Reply(protocol.SubscriptionConfirmed{
		Message:   protocol.MessageSubscriptionConfirmed,
		Status:    protocol.StatusSuccess,
		SessionID: id,
		CameraIDs: confirmed,
		Rejected:  rejected,
	})
}

func (s *Service) handleUnsubscribe(ctx *gateway.Context, r protocol.UnsubscribeRequest) error {
	sessionID := r.SessionID
	if sess, ok := s.registry.Lookup(ctx.Peer); ok && sessionID == "" {
		sessionID = sess.ID
	}
	s.registry.Unsubscribe(ctx.Peer)
	if sessionID != "" && ctx.Security.ValidateSession(sessionID, ctx.Peer) == nil {
		ctx.Security.RemoveSession(sessionID)
	}

	return ctx.Reply(protocol.Unsubscribed{
		Message:   protocol.MessageUnsubscribed,
		Status:    protocol.StatusSuccess,
		SessionID: sessionID,
	})
}

// Cameras merges the camera table with live pipeline statistics.
func (s *Service) Cameras() []protocol.CameraDescriptor {
	return s.registry.GetSnapshot(s.cameraStatus)
}

// Sessions returns the current subscriptions.
func (s *Service) Sessions() []session.Session {
	return s.registry.Sessions()
}

func (s *Service) cameraStatus(id uint32) (session.CameraStatus, bool) {
	p, ok := s.byID[id]
	if !ok {
		return session.CameraStatus{}, false
	}
	st := p.Stats()
	return session.CameraStatus{
		Active:         p.Active(),
		State:          st.State,
		FramesCaptured: st.FramesCaptured,
		CaptureErrors:  st.CaptureErrors,
		ActualFPS:      st.ActualFPS,
		LastFrameAt:    st.LastFrameAt,
	}, true
}

// TickInterval implements gateway.Ticker.
func (s *Service) TickInterval() time.Duration {
	return s.fanoutInterval
}

// Tick pushes the newest frame of every subscribed camera to each of its
// subscribers.
func (s *Service) Tick(out gateway.Sender) {
	for _, p := range s.pipelines {
		subs := s.registry.ActiveSubscribersOf(p.CameraID())
		if len(subs) == 0 {
			continue
		}
		frame := p.GetLatestFrame()
		if frame == nil {
			continue
		}

		send, err := s.frameSender(out, frame)
		if err != nil {
			s.sendErrors++
			s.log.Warn().Err(err).Uint32("camera_id", frame.CameraID).Msg("Failed to encode frame")
			continue
		}
		for _, sub := range subs {
			if err := send(sub); err != nil {
				s.sendErrors++
				s.log.Debug().Err(err).Str("peer", sub.Addr.String()).Uint32("camera_id", frame.CameraID).Msg("Failed to send frame")
				continue
			}
			s.framesSent++
			s.frameBytes += int64(len(frame.Data))
		}
	}
}

// frameSender encodes frame once and returns the per-subscriber send.
func (s *Service) frameSender(out gateway.Sender, frame *capture.Frame) (func(session.Session) error, error) {
	if s.binaryFrames {
		packet, err := protocol.EncodeBinaryFrame(protocol.BinaryFrame{
			Timestamp: frame.Timestamp,
			CameraID:  uint16(frame.CameraID),
			Width:     uint16(frame.Width),
			Height:    uint16(frame.Height),
			Quality:   uint8(frame.Quality),
			FrameID:   protocol.FrameIDString(frame.ID),
			Data:      frame.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("binary frame %d: %w", frame.ID, err)
		}
		return func(sub session.Session) error {
			return out.SendBinary(sub.Addr, packet)
		}, nil
	}

	msg := protocol.VideoFrame{
		Message:   protocol.MessageVideoFrame,
		CameraID:  frame.CameraID,
		FrameID:   frame.ID,
		Timestamp: protocol.Timestamp(frame.Timestamp),
		Width:     frame.Width,
		Height:    frame.Height,
		Quality:   frame.Quality,
		Size:      len(frame.Data),
		FrameData: base64.StdEncoding.EncodeToString(frame.Data),
	}
	return func(sub session.Session) error {
		return out.Send(sub.Addr, msg)
	}, nil
}

// SessionsExpired implements gateway.SessionObserver.
func (s *Service) SessionsExpired(ids []string) {
	for _, id := range ids {
		s.registry.RemoveSession(id)
	}
}

// Cleanup implements gateway.Cleaner.
func (s *Service) Cleanup() {
	s.registry.Cleanup()
}

// Stats implements gateway.StatsReporter.
func (s *Service) Stats() map[string]any {
	cams := make([]capture.Stats, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cams = append(cams, p.Stats())
	}
	return map[string]any{
		"subscribers":         s.registry.Len(),
		"frames_sent":         s.framesSent,
		"frame_bytes":         s.frameBytes,
		"send_errors":         s.sendErrors,
		"screenshots":         s.screenshots,
		"screenshot_failures": s.writeFailures.Load(),
		"cameras":             cams,
	}
}
