package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/api/handlers"
	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/relay"
	"robot-gateway-go/internal/session"
)

type fakeBackend struct {
	kind     string
	ready    bool
	statsErr error
}

func (f *fakeBackend) Kind() string { return f.kind }
func (f *fakeBackend) Ready() bool  { return f.ready }

func (f *fakeBackend) Stats(context.Context) (any, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return map[string]int{"packets_in": 7}, nil
}

func (f *fakeBackend) Cameras(context.Context) ([]protocol.CameraDescriptor, error) {
	return []protocol.CameraDescriptor{{CameraID: 0, Name: "front", State: "running", IsActive: true}}, nil
}

func (f *fakeBackend) Sessions(context.Context) ([]session.Session, error) {
	return []session.Session{{ID: "s1", Addr: netip.MustParseAddrPort("10.0.0.2:4000"), CameraIDs: []uint32{0}}}, nil
}

func (f *fakeBackend) LastFrame(id uint32) (*capture.Frame, error) {
	switch id {
	case 0:
		return &capture.Frame{CameraID: 0, ID: 42, Timestamp: time.Unix(1700000000, 0), Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}, nil
	case 1:
		return nil, capture.ErrNoFrame
	}
	return nil, handlers.ErrUnknownCamera
}

type fakeRelay struct {
	fakeBackend
}

func (f *fakeRelay) Clients(context.Context) ([]relay.Client, error) {
	return []relay.Client{{ID: "robot", Addr: netip.MustParseAddrPort("10.0.0.3:5000")}}, nil
}

func newTestServer(backend handlers.Backend) http.Handler {
	cfg := &config.Config{NodeID: "node-1", Version: "1.2.3"}
	return NewServer(cfg, backend, zerolog.Nop()).Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	backend := &fakeBackend{kind: "camera-gateway"}
	h := newTestServer(backend)

	if rec := get(t, h, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health before ready = %d", rec.Code)
	}

	backend.ready = true
	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var resp handlers.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.NodeID != "node-1" || resp.Kind != "camera-gateway" || resp.Status != "healthy" {
		t.Errorf("resp = %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id header")
	}
}

func TestCameraRoutes(t *testing.T) {
	h := newTestServer(&fakeBackend{kind: "camera-gateway", ready: true})

	rec := get(t, h, "/cameras")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"front"`) {
		t.Errorf("cameras = %d %s", rec.Code, rec.Body)
	}
	rec = get(t, h, "/sessions")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"session_id":"s1"`) {
		t.Errorf("sessions = %d %s", rec.Code, rec.Body)
	}

	rec = get(t, h, "/cameras/0/frame")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" || rec.Body.Len() != 4 {
		t.Errorf("frame = %d %q %d bytes", rec.Code, rec.Header().Get("Content-Type"), rec.Body.Len())
	}
	if rec.Header().Get("X-Frame-ID") != "42" {
		t.Errorf("X-Frame-ID = %q", rec.Header().Get("X-Frame-ID"))
	}

	for path, want := range map[string]int{
		"/cameras/x/frame": http.StatusBadRequest,
		"/cameras/1/frame": http.StatusNotFound,
		"/cameras/9/frame": http.StatusNotFound,
		"/relay/clients":   http.StatusNotFound,
	} {
		if rec := get(t, h, path); rec.Code != want {
			t.Errorf("%s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestMJPEGStream(t *testing.T) {
	h := newTestServer(&fakeBackend{kind: "camera-gateway", ready: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/0/stream", nil).WithContext(ctx))

	if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\n") {
		t.Errorf("body = %q", body)
	}
	// The frame never changes, so it is sent once before the keepalive.
	if n := strings.Count(body, "--frame"); n != 1 {
		t.Errorf("parts = %d, want 1", n)
	}

	if rec := get(t, h, "/cameras/9/stream"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown camera stream = %d", rec.Code)
	}
}

func TestRelayRoutes(t *testing.T) {
	h := newTestServer(&fakeRelay{fakeBackend{kind: "relay", ready: true}})

	rec := get(t, h, "/relay/clients")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"robot"`) {
		t.Errorf("clients = %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/cameras"); rec.Code != http.StatusNotFound {
		t.Errorf("relay serves /cameras: %d", rec.Code)
	}
}

func TestSystemStats(t *testing.T) {
	backend := &fakeBackend{kind: "control-gateway", ready: true}
	h := newTestServer(backend)

	rec := get(t, h, "/system/stats")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"packets_in":7`) {
		t.Errorf("stats = %d %s", rec.Code, rec.Body)
	}

	backend.statsErr = errors.New("gateway server not running")
	if rec := get(t, h, "/system/stats"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stats with stopped node = %d", rec.Code)
	}
}

func TestSwaggerDoc(t *testing.T) {
	h := newTestServer(&fakeBackend{kind: "relay", ready: true})
	rec := get(t, h, "/docs/doc.json")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/relay/clients") {
		t.Errorf("doc.json = %d", rec.Code)
	}
}
