package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type. A final
// transcript supersedes every interim transcript before it for the same
// utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// SpeechFinal is set when the provider's endpointing detected the end of
	// the utterance.
	SpeechFinal bool

	// Language is the detected language code (e.g. "en", "de"). Empty if the
	// provider did not report one.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Language   string
}

// EventKind tags the variant carried by an [Event].
type EventKind int

const (
	// EventOpen is emitted once when the connection becomes ready.
	EventOpen EventKind = iota + 1

	// EventTranscript carries an interim or final [Transcript].
	EventTranscript

	// EventUtteranceEnd marks a gap in speech after the last final word.
	EventUtteranceEnd

	// EventSpeechStarted marks the start of detected speech.
	EventSpeechStarted

	// EventMetadata carries informational session metadata.
	EventMetadata

	// EventWarning carries a non-fatal warning from the service.
	EventWarning

	// EventError carries a transport, service or decoding error in Err.
	EventError

	// EventClose is the last event of a session that ended without Close
	// being called. Keepalive has stopped by the time it is delivered.
	EventClose
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	case EventMetadata:
		return "metadata"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a single session event. Kind selects which fields are meaningful.
type Event struct {
	Kind EventKind

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// At is the stream offset for EventUtteranceEnd (end of the last word) and
	// EventSpeechStarted (start of speech).
	At time.Duration

	// Message describes EventWarning and EventMetadata, and holds the close
	// reason for EventClose.
	Message string

	// Code is the close status code for EventClose, or -1 if the connection
	// ended without a close frame.
	Code int

	// Err is set for EventError.
	Err error
}

// ConnState is the connection state of a [SessionHandle].
type ConnState int

const (
	// StateConnecting means the handshake has not completed.
	StateConnecting ConnState = iota

	// StateOpen means audio is accepted.
	StateOpen

	// StateClosing means Close is in progress.
	StateClosing

	// StateClosed means the connection is gone.
	StateClosed
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
