package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Capture defaults.
const (
	defaultBufferFrames     = 8
	defaultDiagnosticEvery  = 50
	defaultSilenceThreshold = 0.01
)

var (
	// ErrCaptureActive is returned by [Capturer.Start] while a session is
	// already starting or recording.
	ErrCaptureActive = errors.New("audio: capture already active")

	// ErrDeviceEnumeration wraps a failure to list input devices.
	ErrDeviceEnumeration = errors.New("audio: enumerate devices")

	// ErrStreamOpen wraps a failure to acquire or start the device stream.
	ErrStreamOpen = errors.New("audio: open stream")

	// ErrCaptureAborted is returned by [Capturer.Start] when Stop was called
	// before the stream finished opening.
	ErrCaptureAborted = errors.New("audio: capture start aborted by stop")
)

// CaptureState is the lifecycle state of a [Capturer].
type CaptureState int

const (
	// StateIdle means no session exists.
	StateIdle CaptureState = iota

	// StateStarting means devices are being enumerated or the stream opened.
	StateStarting

	// StateRecording means a session is live and delivering frames.
	StateRecording
)

// String returns the human-readable name of the state.
func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Diagnostic is a periodic liveness report for a recording session. It is
// informational only.
type Diagnostic struct {
	// Frame is the sequence number of the reported frame.
	Frame uint64

	// HasSignal reports whether any sample exceeded the silence threshold.
	HasSignal bool

	// Samples is the frame length.
	Samples int

	// SampleRate is the native rate of the frame.
	SampleRate int

	// Dropped is the number of frames dropped so far because the consumer
	// fell behind.
	Dropped uint64
}

// CaptureOption configures a [Capturer].
type CaptureOption func(*Capturer)

// WithMatcher sets the device preference policy. Without a matcher the
// platform default device is always used.
func WithMatcher(m Matcher) CaptureOption {
	return func(c *Capturer) { c.matcher = m }
}

// WithFrameSize sets the number of samples per delivered frame.
func WithFrameSize(n int) CaptureOption {
	return func(c *Capturer) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithBufferFrames sets the capacity of the frame channel. When the channel
// is full, new frames are dropped rather than queued.
func WithBufferFrames(n int) CaptureOption {
	return func(c *Capturer) {
		if n > 0 {
			c.bufferFrames = n
		}
	}
}

// WithDiagnostics installs fn to receive a [Diagnostic] every n frames.
// fn runs on the backend's audio thread and must not block.
func WithDiagnostics(n int, fn func(Diagnostic)) CaptureOption {
	return func(c *Capturer) {
		if n > 0 {
			c.diagEvery = n
		}
		c.onDiag = fn
	}
}

// WithSilenceThreshold sets the absolute amplitude above which a frame counts
// as containing signal.
func WithSilenceThreshold(v float32) CaptureOption {
	return func(c *Capturer) {
		if v > 0 {
			c.silence = v
		}
	}
}

// WithStatus installs fn to receive human-readable status lines emitted while
// starting (device enumeration results, stream settings).
func WithStatus(fn func(string)) CaptureOption {
	return func(c *Capturer) { c.onStatus = fn }
}

// Capturer is the capture engine. It owns at most one [CaptureSession] at a
// time and moves through [StateIdle] → [StateStarting] → [StateRecording] →
// [StateIdle].
//
// All methods are safe for concurrent use.
type Capturer struct {
	backend      Backend
	matcher      Matcher
	frameSize    int
	bufferFrames int
	diagEvery    int
	silence      float32
	onDiag       func(Diagnostic)
	onStatus     func(string)

	mu      sync.Mutex
	state   CaptureState
	sess    *CaptureSession
	aborted bool
}

// NewCapturer creates a capture engine on top of backend.
func NewCapturer(backend Backend, opts ...CaptureOption) *Capturer {
	c := &Capturer{
		backend:      backend,
		frameSize:    DefaultFrameSize,
		bufferFrames: defaultBufferFrames,
		diagEvery:    defaultDiagnosticEvery,
		silence:      defaultSilenceThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Capturer) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the live session, or nil when not recording.
func (c *Capturer) Session() *CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// SetMatcher replaces the device preference policy. It takes effect on the
// next Start.
func (c *Capturer) SetMatcher(m Matcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matcher = m
}

// Start enumerates devices, selects one, opens an unprocessed mono stream at
// the device's native rate and begins delivering frames.
//
// Start returns [ErrCaptureActive] if a session is already starting or
// recording; it never creates a second session. Enumeration and open failures
// are returned wrapped in [ErrDeviceEnumeration] / [ErrStreamOpen] and leave
// the capturer idle.
func (c *Capturer) Start(ctx context.Context) (*CaptureSession, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state=%s)", ErrCaptureActive, state)
	}
	c.state = StateStarting
	c.aborted = false
	matcher := c.matcher
	c.mu.Unlock()

	devices, err := c.backend.Devices(ctx)
	if err != nil {
		return nil, c.fail(fmt.Errorf("%w: %w", ErrDeviceEnumeration, err))
	}
	c.status(fmt.Sprintf("Found %d audio input devices", len(devices)))
	for i, d := range devices {
		label := d.Label
		if label == "" {
			label = "Unknown Device"
		}
		c.status(fmt.Sprintf("Device %d: %s", i, label))
	}

	deviceID, ok := SelectDevice(devices, matcher)
	if ok {
		slog.Info("capture: selected device", "device_id", deviceID)
	} else {
		slog.Info("capture: no preferred device matched, using platform default")
	}

	sess := &CaptureSession{
		deviceID:  deviceID,
		frameSize: c.frameSize,
		frames:    make(chan AudioFrame, c.bufferFrames),
		errs:      make(chan error, 1),
		diagEvery: c.diagEvery,
		silence:   c.silence,
		onDiag:    c.onDiag,
	}

	stream, err := c.backend.Open(ctx, Constraints{
		DeviceID:     deviceID,
		Channels:     1,
		PeriodFrames: c.frameSize,
	}, StreamCallbacks{
		Data:  sess.process,
		Error: sess.fail,
	})
	if err != nil {
		_ = sess.release()
		return nil, c.fail(fmt.Errorf("%w: %w", ErrStreamOpen, err))
	}
	sess.stream = stream
	sess.nativeRate = stream.SampleRate()

	c.mu.Lock()
	if c.aborted {
		c.state = StateIdle
		c.mu.Unlock()
		_ = sess.release()
		return nil, ErrCaptureAborted
	}

	sess.mu.Lock()
	sess.recording = true
	sess.mu.Unlock()
	if err := stream.Start(); err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		_ = sess.release()
		return nil, fmt.Errorf("%w: start: %w", ErrStreamOpen, err)
	}
	c.state = StateRecording
	c.sess = sess
	c.mu.Unlock()

	settings := sess.Settings()
	c.status(fmt.Sprintf("Audio stream: %dHz, Device: %s", settings.InputSampleRate, deviceOrDefault(deviceID)))
	slog.Info("capture: started",
		"device_id", deviceOrDefault(deviceID),
		"native_rate", settings.InputSampleRate,
		"resample_ratio", settings.ResampleRatio,
		"frame_size", settings.BufferSize,
	)
	return sess, nil
}

// Stop tears down the live session, if any. It is safe to call from any
// state and any number of times; only resources that still exist are
// released. Calling Stop while Start is in flight makes that Start return
// [ErrCaptureAborted].
func (c *Capturer) Stop() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	switch c.state {
	case StateStarting:
		c.aborted = true
	case StateRecording:
		c.state = StateIdle
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	err := sess.release()
	slog.Info("capture: stopped",
		"frames", sess.Frame(),
		"dropped", sess.Dropped(),
	)
	return err
}

// fail resets the capturer to idle after a failed start.
func (c *Capturer) fail(err error) error {
	c.mu.Lock()
	c.state = StateIdle
	c.aborted = false
	c.mu.Unlock()
	slog.Warn("capture: start failed", "err", err)
	return err
}

func (c *Capturer) status(msg string) {
	if c.onStatus != nil {
		c.onStatus(msg)
	}
}

func deviceOrDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

// Settings summarises the active capture format.
type Settings struct {
	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	Encoding         string
	BufferSize       int
	ResampleRatio    float64
}

// CaptureSession is the state bundle for one capture run: the device stream,
// the processing hook and the frame channel. It is created by
// [Capturer.Start] and released by [Capturer.Stop].
type CaptureSession struct {
	stream     Stream
	nativeRate int
	deviceID   string
	frameSize  int

	frames chan AudioFrame
	errs   chan error

	diagEvery int
	silence   float32
	onDiag    func(Diagnostic)

	mu        sync.Mutex
	recording bool
	detached  bool
	pending   []float32
	seq       uint64
	dropped   uint64

	detachOnce sync.Once
	stopOnce   sync.Once
	closeOnce  sync.Once
}

// Frames returns the channel of captured frames in capture order. It is
// closed when the session is released.
func (s *CaptureSession) Frames() <-chan AudioFrame { return s.frames }

// Errors returns the channel of asynchronous stream errors. It is closed when
// the session is released.
func (s *CaptureSession) Errors() <-chan error { return s.errs }

// NativeRate returns the sample rate the device stream runs at.
func (s *CaptureSession) NativeRate() int { return s.nativeRate }

// DeviceID returns the selected device, or "" for the platform default.
func (s *CaptureSession) DeviceID() string { return s.deviceID }

// Frame returns the number of frames produced so far.
func (s *CaptureSession) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Dropped returns the number of frames discarded because the frame channel
// was full.
func (s *CaptureSession) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Settings returns the capture format summary.
func (s *CaptureSession) Settings() Settings {
	return Settings{
		InputSampleRate:  s.nativeRate,
		OutputSampleRate: TargetSampleRate,
		Channels:         1,
		Encoding:         "linear16",
		BufferSize:       s.frameSize,
		ResampleRatio:    ResampleRatio(s.nativeRate),
	}
}

// process is the processing hook installed on the stream. It accumulates
// samples into fixed-size frames and hands them to the frame channel without
// blocking.
func (s *CaptureSession) process(samples []float32) {
	var diags []Diagnostic

	s.mu.Lock()
	if !s.recording || s.detached {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSize {
		buf := make([]float32, s.frameSize)
		copy(buf, s.pending[:s.frameSize])
		s.pending = append(s.pending[:0], s.pending[s.frameSize:]...)

		s.seq++
		frame := AudioFrame{
			Samples:    buf,
			SampleRate: s.nativeRate,
			Channels:   1,
			Seq:        s.seq,
			Timestamp:  s.frameOffset(s.seq - 1),
		}
		select {
		case s.frames <- frame:
		default:
			s.dropped++
		}

		if s.onDiag != nil && s.diagEvery > 0 && s.seq%uint64(s.diagEvery) == 0 {
			diags = append(diags, Diagnostic{
				Frame:      s.seq,
				HasSignal:  HasSignal(buf, s.silence),
				Samples:    len(buf),
				SampleRate: s.nativeRate,
				Dropped:    s.dropped,
			})
		}
	}
	s.mu.Unlock()

	for _, d := range diags {
		s.onDiag(d)
	}
}

// frameOffset returns the capture offset of the n-th (0-based) frame.
func (s *CaptureSession) frameOffset(n uint64) time.Duration {
	if s.nativeRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Duration(s.frameSize) * time.Second / time.Duration(s.nativeRate)
}

// fail reports an asynchronous stream error without blocking.
func (s *CaptureSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// release disconnects the processing hook, stops the stream, closes it and
// closes the session channels. Each step runs at most once and a failure in
// one step does not prevent the others.
func (s *CaptureSession) release() error {
	var errs []error

	s.detachOnce.Do(func() {
		s.mu.Lock()
		s.recording = false
		s.detached = true
		s.pending = nil
		close(s.frames)
		close(s.errs)
		s.mu.Unlock()
	})

	if s.stream == nil {
		return nil
	}

	s.stopOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			slog.Warn("capture: stop stream", "err", err)
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	})
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			slog.Warn("capture: close stream", "err", err)
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	})

	return errors.Join(errs...)
}

// HasSignal reports whether any sample's magnitude exceeds threshold.
func HasSignal(samples []float32, threshold float32) bool {
	t := math.Abs(float64(threshold))
	for _, v := range samples {
		if math.Abs(float64(v)) > t {
			return true
		}
	}
	return false
}
