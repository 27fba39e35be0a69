// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and emits
// a single ordered stream of [Event] values. Connection lifecycle, transcripts,
// utterance boundaries, warnings and errors all arrive on that one channel as
// a tagged variant, so a consumer handles every kind in one switch.
//
// Sessions never buffer audio. A frame sent while the connection is not open
// is dropped and [ErrNotOpen] is returned without blocking.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrNotOpen is returned by SendAudio when the connection is not in the
	// open state. The frame is dropped.
	ErrNotOpen = errors.New("stt: connection not open")

	// ErrMalformedTranscript is wrapped by EventError events whose payload
	// could not be decoded into a Transcript. It is not fatal to the session.
	ErrMalformedTranscript = errors.New("stt: malformed transcript")

	// ErrServer is wrapped by EventError events reported by the service itself.
	ErrServer = errors.New("stt: service error")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The capture pipeline always
	// sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Encoding names the sample encoding, e.g. "linear16".
	Encoding string

	// Language is the recognition language. "multi" asks for multi-language
	// detection. An empty string uses the provider default.
	Language string

	// Keyterms are vocabulary hints that increase recognition probability for
	// uncommon words.
	Keyterms []string
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. If the
	// connection is not open the chunk is dropped and ErrNotOpen is returned
	// immediately.
	SendAudio(chunk []byte) error

	// Events returns the channel of session events in arrival order. The
	// channel is closed when the session ends. After Close no further events
	// are delivered.
	Events() <-chan Event

	// State returns the current connection state.
	State() ConnState

	// Close finalises the stream, detaches the event channel, cancels the
	// keepalive and closes the connection. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx bounds the
	// connection handshake and the lifetime of the session. The first event on
	// a successful session is EventOpen.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
