package capture

import (
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"
)

// blockingGrabber blocks each Grab until release is signalled and checks
// that Release never overlaps a Grab.
type blockingGrabber struct {
	t        *testing.T
	img      image.Image
	unblock  chan struct{}
	grabs    atomic.Int64
	inGrab   atomic.Bool
	releases atomic.Int64
}

func newBlockingGrabber(t *testing.T) *blockingGrabber {
	return &blockingGrabber{t: t, img: flatImage(8, 8), unblock: make(chan struct{})}
}

func (g *blockingGrabber) Grab() (image.Image, error) {
	if g.releases.Load() > 0 {
		g.t.Error("Grab after Release")
	}
	g.inGrab.Store(true)
	defer g.inGrab.Store(false)
	g.grabs.Add(1)
	<-g.unblock
	return g.img, nil
}

func (g *blockingGrabber) Release() error {
	if g.inGrab.Load() {
		g.t.Error("Release while Grab in progress")
	}
	g.releases.Add(1)
	return nil
}

func TestDeviceCloseDoesNotWaitForRead(t *testing.T) {
	g := newBlockingGrabber(t)
	dev := NewDevice(3, g)

	readErr := make(chan error, 1)
	go func() {
		_, err := dev.Read()
		readErr <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return g.grabs.Load() == 1 })

	closed := make(chan error, 1)
	go func() { closed <- dev.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind Read")
	}
	if n := g.releases.Load(); n != 0 {
		t.Fatalf("released %d times while Grab was running", n)
	}

	close(g.unblock)
	select {
	case err := <-readErr:
		if !errors.Is(err, ErrDeviceClosed) {
			t.Errorf("Read err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return")
	}
	if n := g.releases.Load(); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}

	if err := dev.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := dev.Read(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Read after Close err = %v", err)
	}
	if n := g.releases.Load(); n != 1 {
		t.Errorf("releases = %d after second Close, want 1", n)
	}
}

func TestDeviceCloseIdleReleasesImmediately(t *testing.T) {
	g := newBlockingGrabber(t)
	close(g.unblock)
	dev := NewDevice(1, g)

	if _, err := dev.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if n := g.releases.Load(); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}
}

func TestPipelineStopWithBlockedGrabber(t *testing.T) {
	g := newBlockingGrabber(t)
	p := newTestPipeline(NewDevice(testCamera().ID, g), nil)

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return g.grabs.Load() > 0 })

	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %s", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s", p.State())
	}

	close(g.unblock)
	waitFor(t, 2*time.Second, func() bool { return g.releases.Load() == 1 })
}
