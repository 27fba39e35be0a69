package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/coder/websocket"
)

// Compile-time interface assertion.
var _ stt.SessionHandle = (*session)(nil)

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
//
// One goroutine reads the socket and emits events; a second sends KeepAlive
// messages. The keepalive goroutine runs only while the connection is open.
type session struct {
	conn         *websocket.Conn
	events       chan stt.Event
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	detached atomic.Bool

	kaStop   chan struct{}
	kaOnce   sync.Once
	kaActive atomic.Bool

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func newSession(parent context.Context, conn *websocket.Conn, keepAlive, writeTimeout time.Duration) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		conn:         conn,
		events:       make(chan stt.Event, eventBufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		kaStop:       make(chan struct{}),
	}
	s.state.Store(int32(stt.StateOpen))
	s.events <- stt.Event{Kind: stt.EventOpen}

	s.kaActive.Store(true)
	s.wg.Add(2)
	go s.readLoop()
	go s.keepAliveLoop(keepAlive)
	return s
}

// SendAudio writes chunk as a binary frame if the connection is open.
// Otherwise the chunk is dropped and stt.ErrNotOpen is returned.
func (s *session) SendAudio(chunk []byte) error {
	if s.State() != stt.StateOpen {
		return stt.ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Events returns the channel of session events.
func (s *session) Events() <-chan stt.Event { return s.events }

// State returns the current connection state.
func (s *session) State() stt.ConnState { return stt.ConnState(s.state.Load()) }

// Close finalises the stream and tears the session down. Events still in
// flight are discarded. Every call returns the error of the first teardown.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		wasOpen := s.state.CompareAndSwap(int32(stt.StateOpen), int32(stt.StateClosing))
		s.detached.Store(true)
		s.stopKeepAlive()

		if wasOpen {
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(closeStreamMessage)); err != nil {
				slog.Debug("deepgram: send CloseStream", "err", err)
			}
			cancel()
		}

		s.cancel()
		s.closeErr = teardownErr(s.conn.Close(websocket.StatusNormalClosure, "session closed"))
		s.wg.Wait()
		s.state.Store(int32(stt.StateClosed))
		if s.closeErr != nil {
			slog.Warn("deepgram: session closed", "err", s.closeErr)
		} else {
			slog.Info("deepgram: session closed")
		}
	})
	return s.closeErr
}

// teardownErr filters the outcomes of closing the socket that mean it is
// already down: the read loop closed it first, or the peer answered the
// close handshake with its own status.
func teardownErr(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return fmt.Errorf("deepgram: close socket: %w", err)
}

// stopKeepAlive cancels the keepalive goroutine. Safe to call many times.
func (s *session) stopKeepAlive() {
	s.kaOnce.Do(func() {
		s.kaActive.Store(false)
		close(s.kaStop)
	})
}

// keepAliveActive reports whether the keepalive timer is running.
func (s *session) keepAliveActive() bool { return s.kaActive.Load() }

func (s *session) keepAliveLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.kaStop:
			return
		case <-ticker.C:
			if s.State() != stt.StateOpen {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, []byte(keepAliveMessage))
			cancel()
			if err != nil {
				slog.Debug("deepgram: send KeepAlive", "err", err)
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// events channel. It owns the channel and closes it on exit.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		typ, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if ev, ok := parseMessage(msg); ok {
			s.emit(ev)
		}
	}
}

// finish handles the end of the connection as seen by the read loop: the
// state moves to closed and keepalive stops before EventClose is emitted.
func (s *session) finish(err error) {
	s.state.Store(int32(stt.StateClosed))
	s.stopKeepAlive()

	if s.detached.Load() {
		return
	}

	code := int(websocket.CloseStatus(err))
	var ce websocket.CloseError
	reason := ""
	switch {
	case errors.As(err, &ce):
		reason = ce.Reason
		if ce.Code != websocket.StatusNormalClosure {
			slog.Warn("deepgram: server closed abnormally", "code", code, "reason", reason)
			s.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: %w: closed with status %d %q", stt.ErrServer, code, reason)})
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = err.Error()
	default:
		slog.Warn("deepgram: connection lost", "err", err)
		s.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
		reason = err.Error()
	}
	slog.Info("deepgram: connection closed", "code", code, "reason", reason)
	s.emit(stt.Event{Kind: stt.EventClose, Code: code, Message: reason})
}

// emit delivers ev unless the session has been detached. It blocks while the
// consumer is behind, preserving arrival order.
func (s *session) emit(ev stt.Event) {
	if s.detached.Load() {
		return
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// ---- wire format ----

// envelope is decoded first to select the message variant.
type envelope struct {
	Type string `json:"type"`
}

// resultsMessage is the JSON structure returned by Deepgram for a Results event.
type resultsMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     *struct {
		Alternatives []struct {
			Transcript *string  `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Language   string   `json:"language"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
				Language   string  `json:"language"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type utteranceEndMessage struct {
	LastWordEnd float64 `json:"last_word_end"`
}

type speechStartedMessage struct {
	Timestamp float64 `json:"timestamp"`
}

type metadataMessage struct {
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
	Channels  int     `json:"channels"`
}

type noticeMessage struct {
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
}

func (n noticeMessage) text() string {
	switch {
	case n.Description != "":
		return n.Description
	case n.Message != "":
		return n.Message
	default:
		return n.Variant
	}
}

// parseMessage converts a raw Deepgram text message into an event. It returns
// false for message types that carry nothing for the consumer.
func parseMessage(data []byte) (stt.Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return malformed(err), true
	}

	switch env.Type {
	case "Results":
		t, err := parseResults(data)
		if err != nil {
			return malformed(err), true
		}
		return stt.Event{Kind: stt.EventTranscript, Transcript: t}, true

	case "UtteranceEnd":
		var m utteranceEndMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return malformed(err), true
		}
		return stt.Event{Kind: stt.EventUtteranceEnd, At: seconds(m.LastWordEnd)}, true

	case "SpeechStarted":
		var m speechStartedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return malformed(err), true
		}
		return stt.Event{Kind: stt.EventSpeechStarted, At: seconds(m.Timestamp)}, true

	case "Metadata":
		var m metadataMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return malformed(err), true
		}
		return stt.Event{
			Kind:    stt.EventMetadata,
			Message: fmt.Sprintf("request_id=%s duration=%gs channels=%d", m.RequestID, m.Duration, m.Channels),
		}, true

	case "Warning":
		var m noticeMessage
		_ = json.Unmarshal(data, &m)
		return stt.Event{Kind: stt.EventWarning, Message: m.text()}, true

	case "Error":
		var m noticeMessage
		_ = json.Unmarshal(data, &m)
		return stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: %w: %s", stt.ErrServer, m.text())}, true

	default:
		slog.Debug("deepgram: ignoring message", "type", env.Type)
		return stt.Event{}, false
	}
}

// parseResults decodes a Results message into a Transcript. A message without
// a channel, an alternative or a transcript field is malformed.
func parseResults(data []byte) (stt.Transcript, error) {
	var resp resultsMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, err
	}
	if resp.Channel == nil {
		return stt.Transcript{}, errors.New("missing channel")
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, errors.New("no alternatives")
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == nil {
		return stt.Transcript{}, errors.New("missing transcript")
	}

	lang := alt.Language
	if lang == "" && len(alt.Languages) > 0 {
		lang = alt.Languages[0]
	}

	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
			Language:   w.Language,
		})
	}

	return stt.Transcript{
		Text:        *alt.Transcript,
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.SpeechFinal,
		Language:    lang,
		Confidence:  alt.Confidence,
		Words:       words,
		Timestamp:   seconds(resp.Start),
		Duration:    seconds(resp.Duration),
	}, nil
}

func malformed(err error) stt.Event {
	return stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: %w: %w", stt.ErrMalformedTranscript, err)}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
