package handlers

import (
	"context"
	"errors"

	"robot-gateway-go/internal/capture"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/relay"
	"robot-gateway-go/internal/session"
)

var (
	ErrNotSupported  = errors.New("not served by this node")
	ErrUnknownCamera = errors.New("unknown camera")
)

// Backend is the node behind the admin API. Implementations read loop
// owned state through the node's Do.
type Backend interface {
	Kind() string
	Ready() bool
	Stats(ctx context.Context) (any, error)
}

// CameraBackend is implemented by camera gateway backends.
type CameraBackend interface {
	Cameras(ctx context.Context) ([]protocol.CameraDescriptor, error)
	Sessions(ctx context.Context) ([]session.Session, error)
	LastFrame(cameraID uint32) (*capture.Frame, error)
}

// RelayBackend is implemented by relay backends.
type RelayBackend interface {
	Clients(ctx context.Context) ([]relay.Client, error)
}
