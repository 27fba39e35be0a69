// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled events and inspect which audio
// chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Event{Kind: stt.EventTranscript, Transcript: stt.Transcript{Text: "hi", IsFinal: true}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new open Session per call; see [Provider.Sessions].
	Session *Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Sessions returns every session handed out by StartStream, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. It starts open with
// an EventOpen already queued, mirroring a real connection.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call made while
	// the session is open.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every chunk accepted while open, in order.
	SendAudioCalls []SendAudioCall

	// DroppedCount counts SendAudio calls rejected with stt.ErrNotOpen.
	DroppedCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events    chan stt.Event
	state     stt.ConnState
	endedOnce sync.Once
}

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	s := &Session{
		events: make(chan stt.Event, 64),
		state:  stt.StateOpen,
	}
	s.events <- stt.Event{Kind: stt.EventOpen}
	return s
}

// SendAudio records the chunk if the session is open and returns
// SendAudioErr; otherwise it counts a drop and returns stt.ErrNotOpen.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stt.StateOpen {
		s.DroppedCount++
		return stt.ErrNotOpen
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// State returns the current connection state.
func (s *Session) State() stt.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit queues ev for the consumer. It is a no-op once the session has ended.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stt.StateClosed {
		return
	}
	s.events <- ev
}

// ServerClose simulates the service closing the connection: the state moves
// to closed, EventClose is queued and the channel is closed.
func (s *Session) ServerClose(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stt.StateClosed {
		return
	}
	s.state = stt.StateClosed
	s.events <- stt.Event{Kind: stt.EventClose, Code: code, Message: reason}
	s.end()
}

// Close records the call, moves the session to closed and closes the event
// channel. It returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.state = stt.StateClosed
	s.end()
	return s.CloseErr
}

// SendAudioCallCount returns the number of accepted SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Chunks returns copies of every accepted chunk, in order. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

func (s *Session) end() {
	s.endedOnce.Do(func() { close(s.events) })
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
