package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/subtitle"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// defaultStartTimeout bounds device acquisition and the transport handshake.
const defaultStartTimeout = 30 * time.Second

var (
	// ErrAlreadyRunning is returned by Start while a session is starting or
	// recording.
	ErrAlreadyRunning = errors.New("app: transcription already running")

	// ErrStartAborted is returned by Start when Stop was called before the
	// session came up.
	ErrStartAborted = errors.New("app: start aborted by stop")

	// errTransportClosed ends the pipeline when the service closes the
	// connection.
	errTransportClosed = errors.New("app: transport closed")
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Display is the sink for everything the viewer sees.
// [subtitle.Overlay] is the production implementation.
type Display interface {
	Starting()
	Listening()
	Stopped()
	Note(line string)
	Transcript(t stt.Transcript)
	Error(r subtitle.ErrorReport)
}

var _ Display = (*subtitle.Overlay)(nil)

// Status is a point-in-time summary of the controller.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Device    string    `json:"device,omitempty"`
	Frames    uint64    `json:"frames"`
	Dropped   uint64    `json:"dropped"`
	LastError string    `json:"last_error,omitempty"`
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithStartTimeout bounds how long Start may wait for the device and the
// transport handshake.
func WithStartTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithLanguage sets the recognition language requested per session.
// Empty leaves the provider default.
func WithLanguage(lang string) ControllerOption {
	return func(c *Controller) { c.streamCfg.Language = lang }
}

// WithKeyterms sets vocabulary to boost per session.
func WithKeyterms(terms []string) ControllerOption {
	return func(c *Controller) { c.streamCfg.Keyterms = terms }
}

// Controller toggles the capture → encode → transport pipeline and routes
// transport events to a [Display]. At most one session exists at a time.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	capturer     *audio.Capturer
	provider     stt.Provider
	display      Display
	metrics      *observe.Metrics
	startTimeout time.Duration
	streamCfg    stt.StreamConfig

	mu         sync.Mutex
	state      State
	run        *run
	starting   *run
	abortStart bool
	lastErr    error
}

// run is one live transcription session.
type run struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	capture *audio.CaptureSession
	session stt.SessionHandle
	g       *errgroup.Group

	// failed is set once a transport error has been shown, so the error
	// stays visible when the connection closes afterwards.
	failed atomic.Bool

	releaseOnce sync.Once
	releaseErr  error
}

// NewController returns an idle controller.
func NewController(capturer *audio.Capturer, provider stt.Provider, display Display, opts ...ControllerOption) *Controller {
	c := &Controller{
		capturer:     capturer,
		provider:     provider,
		display:      display,
		startTimeout: defaultStartTimeout,
		streamCfg: stt.StreamConfig{
			SampleRate: audio.TargetSampleRate,
			Channels:   1,
			Encoding:   "linear16",
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a summary of the controller and its live session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if r := c.starting; r != nil {
		st.SessionID = r.id
		st.StartedAt = r.started
	}
	if r := c.run; r != nil {
		st.SessionID = r.id
		st.StartedAt = r.started
		st.Device = r.capture.DeviceID()
		st.Frames = r.capture.Frame()
		st.Dropped = r.capture.Dropped()
	}
	return st
}

// Toggle stops a starting or recording session, or starts one otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	switch c.State() {
	case StateStarting, StateRecording:
		return c.Stop()
	default:
		return c.Start(ctx)
	}
}

// Start connects the transport, starts capture and launches the pipeline.
// ctx bounds only the start-up; the session lives until Stop or a fatal
// error. Start returns [ErrAlreadyRunning] if a session is starting or
// recording.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateRecording {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrAlreadyRunning, state)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      uuid.NewString(),
		cancel:  cancel,
		started: time.Now(),
	}
	r.ctx, r.span = observe.StartSession(runCtx, r.id)

	c.state = StateStarting
	c.starting = r
	c.abortStart = false
	c.lastErr = nil
	c.mu.Unlock()

	log := observe.Logger(r.ctx)
	log.Info("controller: starting session")
	c.display.Starting()

	typ, err := c.bringUp(ctx, r)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = nil

	if c.abortStart {
		c.abortStart = false
		_ = c.release(r)
		c.state = StateIdle
		log.Info("controller: start aborted")
		c.display.Stopped()
		return ErrStartAborted
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, "start failed")
		_ = c.release(r)
		c.state = StateError
		c.lastErr = err
		log.Warn("controller: start failed", "err", err)
		c.report(r.ctx, typ, err)
		return err
	}

	c.metrics.SessionStartDuration.Record(r.ctx, time.Since(r.started).Seconds())
	c.metrics.ActiveSessions.Add(r.ctx, 1)
	c.display.Listening()

	g, gctx := errgroup.WithContext(r.ctx)
	r.g = g
	g.Go(func() error { return c.pump(gctx, r) })
	g.Go(func() error { return c.listen(gctx, r) })
	g.Go(func() error { return c.watchCapture(gctx, r) })
	go func() { c.finish(r, g.Wait()) }()

	c.run = r
	c.state = StateRecording
	log.Info("controller: session started", "device", r.capture.DeviceID())
	return nil
}

// bringUp connects the transport and then starts capture. On failure it
// returns the error report type for the display. It runs without the
// controller lock.
func (c *Controller) bringUp(ctx context.Context, r *run) (string, error) {
	// Cancel the run if the caller gives up or the start takes too long.
	timeout := time.AfterFunc(c.startTimeout, r.cancel)
	defer timeout.Stop()
	stopCaller := context.AfterFunc(ctx, r.cancel)
	defer stopCaller()

	sess, err := c.provider.StartStream(r.ctx, c.streamCfg)
	if err != nil {
		return subtitle.ErrorTransport, fmt.Errorf("app: connect transport: %w", err)
	}
	r.session = sess

	capSess, err := c.capturer.Start(r.ctx)
	if err != nil {
		return subtitle.ErrorAudioCaptureInit, fmt.Errorf("app: start capture: %w", err)
	}
	r.capture = capSess

	if err := r.ctx.Err(); err != nil {
		return subtitle.ErrorTransport, fmt.Errorf("app: start: %w", err)
	}
	return "", nil
}

// Stop tears down the live session, or aborts one that is still starting.
// It is a no-op when idle. Stop returns after the pipeline goroutines have
// exited; release failures are joined into the returned error.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.starting; r != nil {
		c.abortStart = true
		r.cancel()
		// Unblocks a capture start waiting on the device.
		_ = c.capturer.Stop()
		return nil
	}

	r := c.run
	if r == nil {
		if c.state == StateError {
			c.state = StateIdle
			c.display.Stopped()
		}
		return nil
	}

	err := c.release(r)
	_ = r.g.Wait()
	c.run = nil
	c.state = StateIdle
	observe.Logger(r.ctx).Info("controller: session stopped",
		"frames", r.capture.Frame(),
		"dropped", r.capture.Dropped(),
		"duration", time.Since(r.started).Round(time.Millisecond),
	)
	c.display.Stopped()
	return err
}

// finish runs when the pipeline goroutines exit on their own.
func (c *Controller) finish(r *run, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r {
		// Stop already handled this run.
		return
	}
	c.run = nil
	relErr := c.release(r)
	log := observe.Logger(r.ctx)

	switch {
	case r.failed.Load():
		c.state = StateError
		log.Warn("controller: session ended after transport error", "release_err", relErr)
	case err != nil && !errors.Is(err, errTransportClosed):
		c.state = StateError
		c.lastErr = err
		log.Warn("controller: session failed", "err", err, "release_err", relErr)
	default:
		c.state = StateIdle
		log.Info("controller: transport closed, session ended", "release_err", relErr)
		c.display.Note("Connection closed")
		c.display.Stopped()
	}
}

// release stops capture, closes the transport and ends the run's span.
// Each step runs once; a failing step does not skip the others.
func (c *Controller) release(r *run) error {
	r.releaseOnce.Do(func() {
		var errs []error
		if r.capture != nil {
			if err := c.capturer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop capture: %w", err))
			}
			c.metrics.FramesDropped.Add(r.ctx, int64(r.capture.Dropped()))
		}
		if r.session != nil {
			if err := r.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		if r.g != nil {
			c.metrics.ActiveSessions.Add(r.ctx, -1)
			c.metrics.SessionDuration.Record(r.ctx, time.Since(r.started).Seconds())
		}
		r.cancel()
		r.span.End()

		r.releaseErr = errors.Join(errs...)
		if r.releaseErr != nil {
			observe.Logger(r.ctx).Warn("controller: release", "err", r.releaseErr)
		}
	})
	return r.releaseErr
}

// pump encodes captured frames and hands them to the transport in capture
// order. Chunks the transport cannot take are dropped.
func (c *Controller) pump(ctx context.Context, r *run) error {
	encoded := audio.EncodeStream(r.capture.Frames())
	// Lets the encode goroutine finish once capture is released.
	defer func() { go audio.Drain(encoded) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ef, ok := <-encoded:
			if !ok {
				return nil
			}
			c.metrics.FramesCaptured.Add(ctx, 1)
			chunk := ef.Bytes()
			switch err := r.session.SendAudio(chunk); {
			case err == nil:
				c.metrics.RecordChunk(ctx, observe.ChunkSent, len(chunk))
			case errors.Is(err, stt.ErrNotOpen):
				c.metrics.RecordChunk(ctx, observe.ChunkDropped, len(chunk))
			default:
				c.metrics.RecordChunk(ctx, observe.ChunkFailed, len(chunk))
				observe.Logger(ctx).Debug("controller: send audio", "seq", ef.Seq, "err", err)
			}
		}
	}
}

// listen consumes transport events until the channel closes.
func (c *Controller) listen(ctx context.Context, r *run) error {
	events := r.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errTransportClosed
			}
			if err := c.dispatch(ctx, r, ev); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one transport event. A non-nil error ends the session.
func (c *Controller) dispatch(ctx context.Context, r *run, ev stt.Event) error {
	log := observe.Logger(ctx)
	switch ev.Kind {
	case stt.EventOpen:
		log.Info("controller: transport open")
	case stt.EventTranscript:
		c.metrics.RecordTranscript(ctx, ev.Transcript.IsFinal, ev.Transcript.Language)
		c.display.Transcript(ev.Transcript)
	case stt.EventUtteranceEnd:
		log.Debug("controller: utterance end", "last_word_end", ev.At)
	case stt.EventSpeechStarted:
		log.Debug("controller: speech started", "at", ev.At)
	case stt.EventMetadata:
		log.Info("controller: transport metadata", "metadata", ev.Message)
	case stt.EventWarning:
		log.Warn("controller: transport warning", "message", ev.Message)
	case stt.EventError:
		if errors.Is(ev.Err, stt.ErrMalformedTranscript) {
			c.report(ctx, subtitle.ErrorTranscriptProcessing, ev.Err)
			return nil
		}
		r.failed.Store(true)
		c.report(ctx, subtitle.ErrorTransport, ev.Err)
	case stt.EventClose:
		log.Info("controller: transport closed", "code", ev.Code, "reason", ev.Message)
		return fmt.Errorf("%w (code=%d)", errTransportClosed, ev.Code)
	default:
		log.Debug("controller: ignoring event", "kind", ev.Kind)
	}
	return nil
}

// watchCapture reports asynchronous capture errors. The first one ends the
// session.
func (c *Controller) watchCapture(ctx context.Context, r *run) error {
	errs := r.capture.Errors()
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errs:
		if !ok {
			return nil
		}
		err = fmt.Errorf("app: capture: %w", err)
		c.report(ctx, subtitle.ErrorAudioCapture, err)
		return err
	}
}

// report shows err on the display and counts it.
func (c *Controller) report(ctx context.Context, typ string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.metrics.RecordError(ctx, typ)
	c.display.Error(subtitle.ErrorReport{Type: typ, Message: msg})
}
