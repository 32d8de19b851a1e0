package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/events"
)

const (
	DefaultReadIdleTimeout = 60 * time.Second

	writeWait = 10 * time.Second
)

var errMalformedFrame = errors.New("malformed event frame")

// Frame is the wire form of a game server event.
type Frame struct {
	Type      string          `json:"type"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// DecodeFrame parses a JSON frame into an event. A missing timestamp is stamped with the
// receive time; RFC 3339 strings and unix seconds are accepted.
func DecodeFrame(raw []byte) (events.Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if f.Type == "" {
		return events.Event{}, fmt.Errorf("%w: missing type", errMalformedFrame)
	}

	evt := events.NewEvent(events.Type(f.Type), f.Data)
	ts := bytes.TrimSpace(f.Timestamp)
	if len(ts) == 0 || bytes.Equal(ts, []byte("null")) {
		return evt, nil
	}

	var text string
	if err := json.Unmarshal(ts, &text); err == nil {
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return events.Event{}, fmt.Errorf("%w: timestamp: %v", errMalformedFrame, err)
		}
		evt.Timestamp = parsed
		return evt, nil
	}
	var seconds float64
	if err := json.Unmarshal(ts, &seconds); err != nil {
		return events.Event{}, fmt.Errorf("%w: timestamp must be a string or a number", errMalformedFrame)
	}
	whole := int64(seconds)
	evt.Timestamp = time.Unix(whole, int64((seconds-float64(whole))*1e9))
	return evt, nil
}

// EventStream receives game server events over a websocket.
type EventStream struct {
	logger      *zap.Logger
	dialer      *websocket.Dialer
	header      http.Header
	idleTimeout time.Duration
	state       *stateHolder

	mu        sync.Mutex
	listening bool
	conn      *websocket.Conn
}

// StreamOption configures an EventStream.
type StreamOption func(*EventStream)

// WithReadIdleTimeout sets how long the stream may stay silent before it is considered
// lost. Pings are sent at half this interval.
func WithReadIdleTimeout(d time.Duration) StreamOption {
	return func(s *EventStream) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) StreamOption {
	return func(s *EventStream) {
		if d > 0 {
			s.dialer.HandshakeTimeout = d
		}
	}
}

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) StreamOption {
	return func(s *EventStream) { s.header = h.Clone() }
}

// NewEventStream creates an idle stream.
func NewEventStream(logger *zap.Logger, opts ...StreamOption) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := *websocket.DefaultDialer
	s := &EventStream{
		logger:      logger,
		dialer:      &dialer,
		idleTimeout: DefaultReadIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = newStateHolder("events", logger)
	return s
}

// State returns the channel state.
func (s *EventStream) State() ConnectionState {
	return s.state.get()
}

// Listen connects to url and calls callback for every decoded event until the
// connection drops or ctx is cancelled. It does not reconnect. The callback runs on the
// read loop and must not block.
func (s *EventStream) Listen(ctx context.Context, url string, callback func(events.Event)) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listening = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
	}()

	s.state.set(StatusConnecting, nil)

	conn, resp, err := s.dialer.DialContext(ctx, url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		cerr := &ConnectError{Addr: url, Err: err}
		s.state.set(StatusDisconnected, cerr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cerr
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.state.set(StatusConnected, nil)
	s.logger.Info("listening for game server events", zap.String("url", url))

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})
	go s.pingLoop(conn, done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.state.set(StatusDisconnected, nil)
				return ctx.Err()
			}
			lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
			s.state.set(StatusDisconnected, lost)
			return lost
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		evt, err := DecodeFrame(data)
		if err != nil {
			s.logger.Warn("skipping malformed event frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		callback(evt)
	}
}

func (s *EventStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("event stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Close interrupts an active Listen. It is safe to call at any time.
func (s *EventStream) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
