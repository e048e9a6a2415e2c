package api

import (
	"context"

	"robot-gateway-go/internal/api/handlers"
	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/relay"
	"robot-gateway-go/internal/session"
)

// GatewayBackend serves a control gateway, or a camera gateway when
// Camera is set.
type GatewayBackend struct {
	Server *gateway.Server
	Camera CameraService
}

// CameraService is the part of the camera gateway the API reads.
type CameraService interface {
	Cameras() []protocol.CameraDescriptor
	Sessions() []session.Session
	Pipeline(cameraID uint32) (*capture.Pipeline, bool)
}

func (b *GatewayBackend) Kind() string {
	if b.Camera != nil {
		return "camera-gateway"
	}
	return "control-gateway"
}

func (b *GatewayBackend) Ready() bool {
	select {
	case <-b.Server.Ready():
		return true
	default:
		return false
	}
}

func (b *GatewayBackend) Stats(ctx context.Context) (any, error) {
	var snap gateway.Snapshot
	err := b.Server.Do(ctx, func() { snap = b.Server.Snapshot() })
	return snap, err
}

func (b *GatewayBackend) Cameras(ctx context.Context) ([]protocol.CameraDescriptor, error) {
	if b.Camera == nil {
		return nil, handlers.ErrNotSupported
	}
	var out []protocol.CameraDescriptor
	err := b.Server.Do(ctx, func() { out = b.Camera.Cameras() })
	return out, err
}

func (b *GatewayBackend) Sessions(ctx context.Context) ([]session.Session, error) {
	if b.Camera == nil {
		return nil, handlers.ErrNotSupported
	}
	var out []session.Session
	err := b.Server.Do(ctx, func() { out = b.Camera.Sessions() })
	return out, err
}

// LastFrame reads the pipeline directly; its last frame is synchronized.
func (b *GatewayBackend) LastFrame(cameraID uint32) (*capture.Frame, error) {
	if b.Camera == nil {
		return nil, handlers.ErrNotSupported
	}
	p, ok := b.Camera.Pipeline(cameraID)
	if !ok {
		return nil, handlers.ErrUnknownCamera
	}
	return p.LastFrame()
}

// RelayNodeBackend serves a relay node.
type RelayNodeBackend struct {
	Node *relay.Node
}

func (b *RelayNodeBackend) Kind() string { return "relay" }

func (b *RelayNodeBackend) Ready() bool {
	select {
	case <-b.Node.Ready():
		return true
	default:
		return false
	}
}

func (b *RelayNodeBackend) Stats(ctx context.Context) (any, error) {
	var snap relay.Snapshot
	err := b.Node.Do(ctx, func() { snap = b.Node.Snapshot() })
	return snap, err
}

func (b *RelayNodeBackend) Clients(ctx context.Context) ([]relay.Client, error) {
	var out []relay.Client
	err := b.Node.Do(ctx, func() { out = b.Node.Clients() })
	return out, err
}
