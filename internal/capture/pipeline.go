// Package capture runs one capture goroutine per camera source and hands
// encoded frames to the gateway through a drop-oldest queue.
package capture

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/config"
)

var (
	ErrNotRunning = errors.New("capture pipeline not running")
	ErrNoFrame    = errors.New("no frame captured yet")
)

// Device is a blocking frame source. Close may be called while Read is
// in progress on another goroutine and must not wait for it. NewDevice
// builds one from a Grabber.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens the device described by cam.
type Opener func(cam config.CameraConfig) (Device, error)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	// Consecutive read failures before a running pipeline is degraded.
	degradeAfterErrors = 3
	// Consecutive read failures before the device is closed and the
	// pipeline stops; the health check restarts it.
	maxConsecutiveErrors = 10

	fpsWindowSize = 30
)

// Options configures a Pipeline.
type Options struct {
	Camera      config.CameraConfig
	Open        Opener
	MTUBudget   int
	QueueSize   int
	StopTimeout time.Duration
	Lens        LensCorrector
	Logger      zerolog.Logger
}

// Pipeline captures, processes and queues frames for one camera.
type Pipeline struct {
	cam         config.CameraConfig
	open        Opener
	proc        *Processor
	queue       *FrameQueue
	stopTimeout time.Duration
	log         zerolog.Logger

	state atomic.Int32

	// Guards the per-run resources below.
	mu     sync.Mutex
	device Device
	stop   chan struct{}
	done   chan struct{}

	frameID        atomic.Uint64
	framesCaptured atomic.Int64
	captureErrors  atomic.Int64
	oversized      atomic.Int64
	lastFrame      atomic.Pointer[Frame]

	fpsMu      sync.Mutex
	frameTimes []time.Time
}

func NewPipeline(opts Options) *Pipeline {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 3 * time.Second
	}
	p := &Pipeline{
		cam:         opts.Camera,
		open:        opts.Open,
		proc:        NewProcessor(opts.Camera, opts.MTUBudget, opts.Lens),
		queue:       NewFrameQueue(opts.QueueSize),
		stopTimeout: opts.StopTimeout,
		log:         opts.Logger,
		frameTimes:  make([]time.Time, 0, fpsWindowSize),
	}
	p.state.Store(int32(StateStopped))
	return p
}

// CameraID returns the source id.
func (p *Pipeline) CameraID() uint32 {
	return p.cam.ID
}

// Camera returns the static camera configuration.
func (p *Pipeline) Camera() config.CameraConfig {
	return p.cam
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Active reports whether the capture goroutine is producing frames.
func (p *Pipeline) Active() bool {
	s := p.State()
	return s == StateRunning || s == StateDegraded
}

// Start opens the device and launches the capture goroutine. Only a
// stopped pipeline can be started; on open failure it stays stopped.
func (p *Pipeline) Start() error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("camera %d cannot start from state %s", p.cam.ID, p.State())
	}

	p.log.Info().Str("device", p.cam.Device).Msg("Starting camera")

	dev, err := p.open(p.cam)
	if err != nil {
		p.state.Store(int32(StateStopped))
		p.captureErrors.Add(1)
		p.log.Error().Err(err).Str("device", p.cam.Device).Msg("Failed to open camera")
		return fmt.Errorf("open camera %d: %w", p.cam.ID, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	p.mu.Lock()
	p.device, p.stop, p.done = dev, stop, done
	p.mu.Unlock()

	p.queue.Clear()
	p.state.Store(int32(StateRunning))
	go p.run(dev, stop, done)

	p.log.Info().Msg("Camera started")
	return nil
}

// Stop signals the capture goroutine and waits up to the stop timeout
// for it to exit, then closes the device. Close does not wait for a
// blocked Read; the abandoned goroutine exits once that Read returns.
func (p *Pipeline) Stop() error {
	for {
		s := p.State()
		if s != StateRunning && s != StateDegraded {
			return fmt.Errorf("%w: camera %d is %s", ErrNotRunning, p.cam.ID, s)
		}
		if p.state.CompareAndSwap(int32(s), int32(StateStopping)) {
			break
		}
	}

	p.log.Info().Msg("Stopping camera")

	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
			p.log.Debug().Msg("Capture goroutine exited")
		case <-time.After(p.stopTimeout):
			p.log.Warn().Dur("timeout", p.stopTimeout).Msg("Capture goroutine did not exit, force-closing device")
		}
	}

	if dev := p.detach(stop); dev != nil {
		p.closeDevice(dev)
	}
	p.state.Store(int32(StateStopped))

	p.log.Info().Msg("Camera stopped")
	return nil
}

// detach hands ownership of the device to the caller if stop still
// identifies the current run.
func (p *Pipeline) detach(stop chan struct{}) Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != stop {
		return nil
	}
	dev := p.device
	p.device, p.stop, p.done = nil, nil, nil
	return dev
}

func (p *Pipeline) closeDevice(dev Device) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Device close panic recovered")
		}
	}()
	if err := dev.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to close camera device")
	}
}

// run is the capture goroutine. Capture APIs block, so it keeps its OS
// thread for the lifetime of the run.
func (p *Pipeline) run(dev Device, stop, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Capture panic recovered")
			p.exitOnError(dev, stop)
		}
	}()

	fps := p.cam.FPS
	if fps <= 0 {
		fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		img, err := dev.Read()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			consecutiveErrors++
			p.captureErrors.Add(1)
			p.log.Warn().Err(err).Int("consecutive_errors", consecutiveErrors).Msg("Failed to read frame")

			if consecutiveErrors == degradeAfterErrors {
				p.state.CompareAndSwap(int32(StateRunning), int32(StateDegraded))
			}
			if consecutiveErrors >= maxConsecutiveErrors {
				p.log.Error().Int("consecutive_errors", consecutiveErrors).Msg("Too many read errors, stopping camera")
				p.exitOnError(dev, stop)
				return
			}
			continue
		}

		if consecutiveErrors > 0 {
			consecutiveErrors = 0
			p.state.CompareAndSwap(int32(StateDegraded), int32(StateRunning))
		}

		frame, err := p.ProcessFrame(img)
		if err != nil {
			p.captureErrors.Add(1)
			p.log.Warn().Err(err).Msg("Failed to process frame")
			continue
		}
		if p.queue.Push(frame) {
			p.log.Trace().Uint64("frame_id", frame.ID).Msg("Dropped oldest queued frame")
		}
	}
}

// exitOnError releases the device after the capture goroutine gave up.
// A concurrent Stop owns the state transition.
func (p *Pipeline) exitOnError(dev Device, stop chan struct{}) {
	if owned := p.detach(stop); owned != nil {
		p.closeDevice(owned)
		if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
			p.state.CompareAndSwap(int32(StateDegraded), int32(StateStopped))
		}
	}
}

// ProcessFrame encodes img into the next frame of this camera and
// records capture statistics.
func (p *Pipeline) ProcessFrame(img image.Image) (*Frame, error) {
	enc, err := p.proc.Process(img)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	frame := &Frame{
		CameraID:  p.cam.ID,
		ID:        p.frameID.Add(1),
		Timestamp: now,
		Width:     enc.Width,
		Height:    enc.Height,
		Quality:   enc.Quality,
		Data:      enc.Data,
		Oversized: !enc.Fits,
	}
	if frame.Oversized {
		p.oversized.Add(1)
		p.log.Debug().
			Int("size", len(enc.Data)).
			Int("budget", p.proc.Budget()).
			Int("attempts", enc.Attempts).
			Msg("Frame still over budget after backoff")
	}

	p.framesCaptured.Add(1)
	p.lastFrame.Store(frame)
	p.recordFrameTime(now)
	return frame, nil
}

// GetLatestFrame pops the newest queued frame without blocking,
// discarding anything older. It returns nil when nothing is queued.
func (p *Pipeline) GetLatestFrame() *Frame {
	return p.queue.PopNewest()
}

// LastFrame returns the most recently captured frame whether or not it
// has been consumed.
func (p *Pipeline) LastFrame() (*Frame, error) {
	f := p.lastFrame.Load()
	if f == nil {
		return nil, fmt.Errorf("camera %d: %w", p.cam.ID, ErrNoFrame)
	}
	return f, nil
}

func (p *Pipeline) recordFrameTime(t time.Time) {
	p.fpsMu.Lock()
	defer p.fpsMu.Unlock()
	if len(p.frameTimes) == fpsWindowSize {
		copy(p.frameTimes, p.frameTimes[1:])
		p.frameTimes = p.frameTimes[:fpsWindowSize-1]
	}
	p.frameTimes = append(p.frameTimes, t)
}

// ActualFPS is the capture rate over the recent frame window.
func (p *Pipeline) ActualFPS() float64 {
	p.fpsMu.Lock()
	defer p.fpsMu.Unlock()
	if len(p.frameTimes) < 2 {
		return 0
	}
	span := p.frameTimes[len(p.frameTimes)-1].Sub(p.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(p.frameTimes)-1) / span
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	CameraID       uint32    `json:"camera_id"`
	State          string    `json:"state"`
	FramesCaptured int64     `json:"frames_captured"`
	CaptureErrors  int64     `json:"capture_errors"`
	Oversized      int64     `json:"oversized_frames"`
	QueueDropped   int64     `json:"queue_dropped"`
	ActualFPS      float64   `json:"actual_fps"`
	LastFrameAt    time.Time `json:"last_frame_at"`
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		CameraID:       p.cam.ID,
		State:          p.State().String(),
		FramesCaptured: p.framesCaptured.Load(),
		CaptureErrors:  p.captureErrors.Load(),
		Oversized:      p.oversized.Load(),
		QueueDropped:   p.queue.Dropped(),
		ActualFPS:      p.ActualFPS(),
	}
	if f := p.lastFrame.Load(); f != nil {
		st.LastFrameAt = f.Timestamp
	}
	return st
}
