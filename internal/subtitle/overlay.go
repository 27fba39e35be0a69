// Package subtitle holds the display side of livecaption: the overlay state
// machine that turns transcripts, lifecycle changes and error reports into
// what the viewer sees, and a websocket [Hub] that pushes every overlay
// change to connected display clients.
package subtitle

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// Overlay text shown for lifecycle changes and failures.
const (
	TextListening     = "Listening for audio..."
	TextCaptureFailed = "Failed to start audio capture. Check microphone permissions."
	TextConnection    = "Connection error. Check your internet and API key."
	DefaultIdleHint   = "Send SIGUSR1 or POST /toggle to start transcription"
	DefaultFadeAfter  = 5 * time.Second
)

// IndicatorState classifies the indicator for styling.
type IndicatorState string

const (
	IndicatorReady      IndicatorState = "ready"
	IndicatorListening  IndicatorState = "listening"
	IndicatorProcessing IndicatorState = "processing"
	IndicatorError      IndicatorState = "error"
)

// Error report types.
const (
	ErrorAudioCaptureInit     = "audio-capture-init"
	ErrorAudioCapture         = "audio-capture"
	ErrorTransport            = "transport"
	ErrorTranscriptProcessing = "transcript-processing"
)

// ErrorReport is a user-visible failure.
type ErrorReport struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Snapshot is the complete overlay state at one point in time.
type Snapshot struct {
	// Version increases with every change.
	Version uint64 `json:"version"`

	// Text is the subtitle line. Empty after a fade.
	Text string `json:"text"`

	// Interim is set while Text is a provisional transcript.
	Interim bool `json:"interim"`

	// Indicator is the short status label, e.g. "Listening..." or "EN".
	Indicator string `json:"indicator"`

	// State classifies Indicator.
	State IndicatorState `json:"state"`

	// Status is the most recent informational status line.
	Status string `json:"status,omitempty"`

	// Error is the most recent error report since the last start.
	Error *ErrorReport `json:"error,omitempty"`
}

// Publisher receives every overlay change.
type Publisher interface {
	Publish(Snapshot)
}

// OverlayOption configures an [Overlay].
type OverlayOption func(*Overlay)

// WithFadeAfter sets how long a final transcript stays visible.
func WithFadeAfter(d time.Duration) OverlayOption {
	return func(o *Overlay) {
		if d > 0 {
			o.fadeAfter = d
		}
	}
}

// WithIdleHint sets the text shown while stopped.
func WithIdleHint(hint string) OverlayOption {
	return func(o *Overlay) { o.idleHint = hint }
}

// WithPublisher registers a publisher for overlay changes. Publishers are
// called synchronously, in registration order, outside the overlay lock.
func WithPublisher(p Publisher) OverlayOption {
	return func(o *Overlay) { o.publishers = append(o.publishers, p) }
}

// Overlay is the subtitle display state. A final transcript replaces any
// interim text shown for the same utterance and fades after a delay; a newer
// final restarts the delay.
//
// All methods are safe for concurrent use.
type Overlay struct {
	publishers []Publisher

	mu        sync.Mutex
	idleHint  string
	fadeAfter time.Duration
	snap      Snapshot
	fade      *time.Timer
	fadeGen   uint64
}

// NewOverlay returns an overlay in the ready state.
func NewOverlay(opts ...OverlayOption) *Overlay {
	o := &Overlay{
		fadeAfter: DefaultFadeAfter,
		idleHint:  DefaultIdleHint,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.snap = Snapshot{Text: o.idleHint, Indicator: "Ready", State: IndicatorReady}
	return o
}

// Snapshot returns the current state.
func (o *Overlay) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// SetFadeAfter changes the fade delay for subsequent final transcripts.
func (o *Overlay) SetFadeAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.fadeAfter = d
	o.mu.Unlock()
}

// SetIdleHint changes the text shown while stopped. A ready overlay shows
// the new hint immediately.
func (o *Overlay) SetIdleHint(hint string) {
	o.mu.Lock()
	if o.snap.State != IndicatorReady || o.snap.Text != o.idleHint {
		o.idleHint = hint
		o.mu.Unlock()
		return
	}
	o.idleHint = hint
	o.snap.Text = hint
	o.snap.Version++
	snap := o.snap
	o.mu.Unlock()

	o.publish(snap)
}

// Starting shows that a start is in progress and clears the last error.
func (o *Overlay) Starting() {
	o.update(func(s *Snapshot) {
		s.Indicator = "Starting..."
		s.State = IndicatorProcessing
		s.Error = nil
	})
}

// Listening shows that capture and transport are live.
func (o *Overlay) Listening() {
	o.update(func(s *Snapshot) {
		s.Indicator = "Listening..."
		s.State = IndicatorListening
		s.Text = TextListening
		s.Interim = false
	})
}

// Stopped returns the overlay to the ready state and cancels a pending fade.
func (o *Overlay) Stopped() {
	o.update(func(s *Snapshot) {
		o.cancelFadeLocked()
		s.Indicator = "Ready"
		s.State = IndicatorReady
		s.Text = o.idleHint
		s.Interim = false
	})
}

// Note records an informational status line.
func (o *Overlay) Note(line string) {
	o.update(func(s *Snapshot) { s.Status = line })
}

// Transcript displays t. Interim text replaces whatever is shown; final text
// replaces it too and schedules the fade. Whitespace-only transcripts are
// ignored.
func (o *Overlay) Transcript(t stt.Transcript) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	if t.IsFinal {
		attrs := []any{"text", t.Text}
		if t.Language != "" {
			attrs = append(attrs, "language", t.Language)
		}
		if t.Confidence > 0 {
			attrs = append(attrs, "confidence", formatPercent(t.Confidence))
		}
		slog.Info("subtitle: final transcript", attrs...)
	} else {
		slog.Debug("subtitle: interim transcript", "text", t.Text)
	}

	o.update(func(s *Snapshot) {
		s.Text = t.Text
		s.Interim = !t.IsFinal
		if !t.IsFinal {
			o.cancelFadeLocked()
			s.Indicator = "Processing..."
			s.State = IndicatorProcessing
			return
		}
		if t.Language != "" {
			s.Indicator = strings.ToUpper(t.Language)
			s.State = IndicatorProcessing
		}
		o.scheduleFadeLocked()
	})
}

// Error shows r. Transcript-processing reports are recorded without changing
// the indicator or text.
func (o *Overlay) Error(r ErrorReport) {
	slog.Warn("subtitle: error report", "type", r.Type, "message", r.Message)
	o.update(func(s *Snapshot) {
		rep := r
		s.Error = &rep
		switch r.Type {
		case ErrorAudioCaptureInit:
			s.Indicator = "Error"
			s.State = IndicatorError
			s.Text = TextCaptureFailed
			s.Interim = false
		case ErrorAudioCapture:
			s.Indicator = "Audio Error"
			s.State = IndicatorError
		case ErrorTransport:
			s.Indicator = "Error"
			s.State = IndicatorError
			s.Text = TextConnection
			s.Interim = false
		}
	})
}

// update applies fn under the lock, bumps the version and publishes the
// result.
func (o *Overlay) update(fn func(*Snapshot)) {
	o.mu.Lock()
	fn(&o.snap)
	o.snap.Version++
	snap := o.snap
	o.mu.Unlock()

	o.publish(snap)
}

func (o *Overlay) publish(snap Snapshot) {
	for _, p := range o.publishers {
		p.Publish(snap)
	}
}

func (o *Overlay) scheduleFadeLocked() {
	o.cancelFadeLocked()
	gen := o.fadeGen
	o.fade = time.AfterFunc(o.fadeAfter, func() { o.fadeOut(gen) })
}

func (o *Overlay) cancelFadeLocked() {
	o.fadeGen++
	if o.fade != nil {
		o.fade.Stop()
		o.fade = nil
	}
}

// fadeOut clears the text unless the fade was superseded.
func (o *Overlay) fadeOut(gen uint64) {
	o.mu.Lock()
	if gen != o.fadeGen {
		o.mu.Unlock()
		return
	}
	o.fade = nil
	o.snap.Text = ""
	o.snap.Interim = false
	o.snap.Version++
	snap := o.snap
	o.mu.Unlock()

	o.publish(snap)
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}
