package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrDeviceClosed is returned by Read once Close has been called.
var ErrDeviceClosed = errors.New("capture device closed")

// Grabber is the raw side of a camera. Grab blocks until the next frame
// is available. Release frees the handle and the buffers Grab uses; it
// is called exactly once and never while Grab is running.
type Grabber interface {
	Grab() (image.Image, error)
	Release() error
}

// grabDevice adapts a Grabber to Device. Close never waits for a Grab in
// progress: it marks the device closed and returns, and the blocked Read
// releases the grabber when its Grab comes back.
type grabDevice struct {
	g  Grabber
	id uint32

	// readMu serializes Reads and is held across Grab. Close never
	// takes it.
	readMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	grabbing bool
	released bool
}

// NewDevice wraps g so that Close is safe to call while a Read blocks.
func NewDevice(cameraID uint32, g Grabber) Device {
	return &grabDevice{g: g, id: cameraID}
}

func (d *grabDevice) Read() (image.Image, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("camera %d: %w", d.id, ErrDeviceClosed)
	}
	d.grabbing = true
	d.mu.Unlock()

	img, err := d.g.Grab()

	d.mu.Lock()
	d.grabbing = false
	release := d.closed && !d.released
	if release {
		d.released = true
	}
	closed := d.closed
	d.mu.Unlock()

	if release {
		if rerr := d.g.Release(); rerr != nil {
			return nil, fmt.Errorf("camera %d: %w (release: %v)", d.id, ErrDeviceClosed, rerr)
		}
	}
	if closed {
		return nil, fmt.Errorf("camera %d: %w", d.id, ErrDeviceClosed)
	}
	if err != nil {
		return nil, fmt.Errorf("camera %d: %w", d.id, err)
	}
	return img, nil
}

func (d *grabDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	release := !d.grabbing
	if release {
		d.released = true
	}
	d.mu.Unlock()

	if release {
		return d.g.Release()
	}
	return nil
}
