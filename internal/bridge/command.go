package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arcanafx/effects-server-go/internal/effects"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultAckTimeout  = 2 * time.Second
)

// CommandClient speaks the line-oriented command protocol of the game server. One
// command is in flight at a time; every command waits for its one-line reply.
type CommandClient struct {
	logger      *zap.Logger
	dialTimeout time.Duration
	ackTimeout  time.Duration
	limiter     *rate.Limiter
	state       *stateHolder

	mu   sync.Mutex
	conn net.Conn
	tp   *textproto.Conn
}

// CommandOption configures a CommandClient.
type CommandOption func(*CommandClient)

// WithDialTimeout bounds the TCP dial and the AUTH exchange.
func WithDialTimeout(d time.Duration) CommandOption {
	return func(c *CommandClient) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithAckTimeout bounds the wait for a command reply.
func WithAckTimeout(d time.Duration) CommandOption {
	return func(c *CommandClient) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithRateLimit caps commands per second. Commands over budget are dropped with
// ErrRateLimited. A non-positive perSecond disables pacing.
func WithRateLimit(perSecond float64, burst int) CommandOption {
	return func(c *CommandClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewCommandClient creates a disconnected client.
func NewCommandClient(logger *zap.Logger, opts ...CommandOption) *CommandClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CommandClient{
		logger:      logger,
		dialTimeout: DefaultDialTimeout,
		ackTimeout:  DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = newStateHolder("command", logger)
	return c
}

// State returns the channel state.
func (c *CommandClient) State() ConnectionState {
	return c.state.get()
}

// Connect dials host:port and authenticates with credential. Any previous connection is
// closed first. Retrying is left to the caller.
func (c *CommandClient) Connect(ctx context.Context, host string, port int, credential string) ConnectResult {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if strings.ContainsAny(credential, "\r\n") {
		err := &ConnectError{Addr: addr, Err: fmt.Errorf("%w: credential contains a line break", ErrAuthFailed)}
		c.state.set(StatusDisconnected, err)
		return Failed(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.state.set(StatusConnecting, nil)

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		cerr := &ConnectError{Addr: addr, Err: err}
		c.state.set(StatusDisconnected, cerr)
		return Failed(cerr)
	}

	tp := textproto.NewConn(conn)
	if err := c.authenticate(ctx, conn, tp, credential); err != nil {
		tp.Close()
		cerr := &ConnectError{Addr: addr, Err: err}
		c.state.set(StatusDisconnected, cerr)
		return Failed(cerr)
	}

	c.conn = conn
	c.tp = tp
	c.state.set(StatusConnected, nil)
	c.logger.Info("connected to game server command channel", zap.String("addr", addr))
	return Connected()
}

func (c *CommandClient) authenticate(ctx context.Context, conn net.Conn, tp *textproto.Conn, credential string) error {
	stop := c.armDeadline(ctx, conn, c.dialTimeout)
	defer stop()

	if err := tp.PrintfLine("AUTH %s", credential); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	reply, err := tp.ReadLine()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read auth reply: %w", err)
	}
	if ok, detail := parseReply(reply); !ok {
		return fmt.Errorf("%w: %s", ErrAuthFailed, detail)
	}
	return nil
}

// Send delivers payload and waits for the server's acknowledgment. When the channel is
// not connected nothing is written and ErrNotConnected is returned.
func (c *CommandClient) Send(ctx context.Context, payload effects.Payload) error {
	line, err := FormatCommand(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tp == nil || c.state.get().Status != StatusConnected {
		return ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := c.armDeadline(ctx, c.conn, c.ackTimeout)
	defer stop()

	if err := c.tp.PrintfLine("%s", line); err != nil {
		return c.transportFailure(ctx, line, err)
	}
	reply, err := c.tp.ReadLine()
	if err != nil {
		return c.transportFailure(ctx, line, err)
	}

	ok, detail := parseReply(reply)
	if !ok {
		c.logger.Warn("game server rejected command",
			zap.String("effect_id", payload.ID),
			zap.String("command", line),
			zap.String("reply", detail),
		)
		return &CommandRejectedError{Command: line, Reply: detail}
	}
	c.logger.Debug("command acknowledged",
		zap.String("effect_id", payload.ID),
		zap.String("command", line),
	)
	return nil
}

// transportFailure classifies a write or read error and updates the channel state.
func (c *CommandClient) transportFailure(ctx context.Context, line string, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		// The reply may still arrive; the line can no longer be trusted.
		c.state.set(StatusDegraded, ctx.Err())
		return ctx.Err()
	case errors.As(err, &netErr) && netErr.Timeout():
		c.state.set(StatusDegraded, ErrSendTimeout)
		c.logger.Warn("command acknowledgment timed out", zap.String("command", line))
		return ErrSendTimeout
	case isClosed(err):
		lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
		c.closeLocked()
		c.state.set(StatusDisconnected, lost)
		return lost
	default:
		c.state.set(StatusDegraded, err)
		return fmt.Errorf("send command: %w", err)
	}
}

// armDeadline sets an I/O deadline of now+timeout, or earlier if ctx expires first, and
// interrupts pending I/O when ctx is cancelled. The returned func must be called when the
// exchange is over.
func (c *CommandClient) armDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// Close drops the connection. It is safe to call repeatedly.
func (c *CommandClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tp != nil {
		c.closeLocked()
		c.state.set(StatusDisconnected, nil)
	}
}

func (c *CommandClient) closeLocked() {
	if c.tp != nil {
		_ = c.tp.Close()
	}
	c.tp = nil
	c.conn = nil
}

// FormatCommand renders payload as `<type> <duration> <intensity>`.
func FormatCommand(payload effects.Payload) (string, error) {
	token := string(payload.Type)
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", fmt.Errorf("%w: effect type %q is not a valid command token", effects.ErrInvalidParameter, token)
	}
	return token + " " + formatFloat(payload.Duration()) + " " + formatFloat(payload.Intensity()), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseReply accepts `OK [detail]` and treats anything else as a rejection.
func parseReply(reply string) (bool, string) {
	reply = strings.TrimSpace(reply)
	head, rest, _ := strings.Cut(reply, " ")
	switch strings.ToUpper(head) {
	case "OK":
		return true, rest
	case "ERR", "ERROR":
		if rest == "" {
			rest = "unspecified error"
		}
		return false, rest
	case "":
		return false, "empty reply"
	default:
		return false, reply
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
