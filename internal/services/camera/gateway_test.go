package camera

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/gateway/gatewaytest"
	"robot-gateway-go/internal/protocol"
)

var testSecret = []byte("camera-test-secret")

type stillDevice struct {
	img    image.Image
	closed atomic.Bool
}

func (d *stillDevice) Read() (image.Image, error) {
	if d.closed.Load() {
		return nil, errors.New("closed")
	}
	return d.img, nil
}

func (d *stillDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func grayImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return img
}

func openStill(config.CameraConfig) (capture.Device, error) {
	return &stillDevice{img: grayImage(32, 24)}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTimeout:     300 * time.Second,
		MTUBudget:          1400,
		FanoutFPS:          50,
		FrameQueueSize:     2,
		CaptureStopTimeout: 500 * time.Millisecond,
		Cameras: []config.CameraConfig{
			{ID: 0, Name: "front", Device: "0", Width: 32, Height: 24, FPS: 50, Quality: 80},
			{ID: 1, Name: "rear", Device: "1", Width: 32, Height: 24, FPS: 50, Quality: 80},
		},
	}
}

func startGateway(t *testing.T, cfg *config.Config, open capture.Opener) (*Service, *gateway.Server, *gatewaytest.Client) {
	t.Helper()
	svc := New(cfg, open, zerolog.Nop())
	svc.StartCameras()

	srv := gateway.New(gateway.Options{
		Name:      "camera",
		Addr:      "127.0.0.1:0",
		Secret:    testSecret,
		MTUBudget: cfg.MTUBudget,
		Logger:    zerolog.Nop(),
	}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("Run: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("gateway not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-errc
	})

	c, err := gatewaytest.Dial(srv.LocalAddr().String(), testSecret, cfg.MTUBudget)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return svc, srv, c
}

func subscribe(t *testing.T, c *gatewaytest.Client, ids []uint32, sessionID string) protocol.SubscriptionConfirmed {
	t.Helper()
	if err := c.Send(map[string]any{"request_type": "subscribe", "camera_ids": ids, "session_id": sessionID}); err != nil {
		t.Fatal(err)
	}
	m, err := c.ReceiveKind(protocol.MessageSubscriptionConfirmed, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var conf protocol.SubscriptionConfirmed
	if err := m.Decode(&conf); err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestSubscribeReceivesFrames(t *testing.T) {
	_, _, c := startGateway(t, testConfig(), openStill)

	conf := subscribe(t, c, []uint32{0, 7}, "s1")
	if conf.SessionID != "s1" || len(conf.CameraIDs) != 1 || conf.CameraIDs[0] != 0 {
		t.Fatalf("conf = %+v", conf)
	}
	if len(conf.Rejected) != 1 || conf.Rejected[0] != 7 {
		t.Errorf("rejected = %v", conf.Rejected)
	}

	m, err := c.ReceiveKind(protocol.MessageVideoFrame, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var frame protocol.VideoFrame
	if err := m.Decode(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.CameraID != 0 || frame.Width != 32 || frame.Height != 24 {
		t.Errorf("frame = %+v", frame)
	}
	data, err := base64.StdEncoding.DecodeString(frame.FrameData)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != frame.Size || len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("frame data is not a JPEG of the reported size (%d bytes)", len(data))
	}
}

func TestUnsubscribeEndsSession(t *testing.T) {
	svc, srv, c := startGateway(t, testConfig(), openStill)
	subscribe(t, c, nil, "")

	if err := c.Send(map[string]any{"request_type": "unsubscribe"}); err != nil {
		t.Fatal(err)
	}
	m, err := c.ReceiveKind(protocol.MessageUnsubscribed, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.Unsubscribed
	if err := m.Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" {
		t.Error("unsubscribe did not report the generated session")
	}

	var subs, sessions int
	err = srv.Do(context.Background(), func() {
		subs = len(svc.Sessions())
		sessions = srv.Security().Len()
	})
	if err != nil {
		t.Fatal(err)
	}
	if subs != 0 || sessions != 0 {
		t.Errorf("subscriptions %d, security sessions %d", subs, sessions)
	}

	// Unsubscribing again still succeeds.
	if err := c.Send(map[string]any{"request_type": "unsubscribe"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReceiveKind(protocol.MessageUnsubscribed, 2*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestCameraList(t *testing.T) {
	_, _, c := startGateway(t, testConfig(), openStill)

	if err := c.Send(map[string]any{"request_type": "get_camera_list"}); err != nil {
		t.Fatal(err)
	}
	m, err := c.ReceiveKind(protocol.MessageCameraList, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.CameraListResponse
	if err := m.Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Cameras) != 2 || resp.Cameras[0].Name != "front" || resp.Cameras[1].Name != "rear" {
		t.Fatalf("cameras = %+v", resp.Cameras)
	}
	if !resp.Cameras[0].IsActive || resp.Cameras[0].State != capture.StateRunning.String() {
		t.Errorf("camera 0 = %+v", resp.Cameras[0])
	}
}

func TestScreenshot(t *testing.T) {
	cfg := testConfig()
	cfg.ScreenshotDir = filepath.Join(t.TempDir(), "shots")
	svc, _, c := startGateway(t, cfg, openStill)

	p, _ := svc.Pipeline(1)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := p.LastFrame(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("camera 1 produced no frame")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Send(map[string]any{"request_type": "capture_screenshot", "camera_id": 1}); err != nil {
		t.Fatal(err)
	}
	m, err := c.ReceiveKind(protocol.MessageScreenshotCaptured, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var shot protocol.ScreenshotCaptured
	if err := m.Decode(&shot); err != nil {
		t.Fatal(err)
	}
	if shot.CameraID != 1 || shot.ImageData == "" || shot.Filename == "" {
		t.Fatalf("shot = %+v", shot)
	}

	path := filepath.Join(cfg.ScreenshotDir, shot.Filename)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("screenshot %s not written", path)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Send(map[string]any{"request_type": "capture_screenshot", "camera_id": 9}); err != nil {
		t.Fatal(err)
	}
	m, err = c.ReceiveKind(protocol.MessageError, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.ErrorResponse
	if err := m.Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestType != protocol.RequestCaptureScreenshot {
		t.Errorf("error = %+v", resp)
	}
}

func TestBinaryFrames(t *testing.T) {
	cfg := testConfig()
	cfg.BinaryFrames = true
	_, _, c := startGateway(t, cfg, openStill)

	subscribe(t, c, []uint32{1}, "bin")
	m, err := c.ReceiveKind("binary_frame", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if m.Frame.CameraID != 1 || m.Frame.Width != 32 || len(m.Frame.Data) == 0 {
		t.Errorf("frame = %+v", m.Frame)
	}
}

func TestHealthCheckRestartsCamera(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	open := func(cam config.CameraConfig) (capture.Device, error) {
		if fail.Load() {
			return nil, errors.New("device busy")
		}
		return openStill(cam)
	}

	cfg := testConfig()
	cfg.Cameras = cfg.Cameras[:1]
	svc := New(cfg, open, zerolog.Nop())
	if n := svc.StartCameras(); n != 0 {
		t.Fatalf("started %d cameras with a failing device", n)
	}

	fail.Store(false)
	svc.HealthCheck()
	p, _ := svc.Pipeline(0)
	deadline := time.Now().Add(2 * time.Second)
	for !p.Active() {
		if time.Now().After(deadline) {
			t.Fatalf("camera not restarted, state %s", p.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if p.State() != capture.StateStopped {
		t.Errorf("state after Close = %s", p.State())
	}
	svc.HealthCheck()
	if p.State() != capture.StateStopped {
		t.Error("HealthCheck restarted a camera after Close")
	}
}
