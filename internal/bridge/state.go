package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a bridge channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusDegraded means the connection is still held but cannot be trusted to carry
	// further commands; a reconnect is required.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is a point-in-time view of a channel.
type ConnectionState struct {
	Status    Status
	LastError error
	Since     time.Time
}

var (
	ErrNotConnected     = errors.New("not connected to game server")
	ErrSendTimeout      = errors.New("timed out waiting for command acknowledgment")
	ErrConnectionLost   = errors.New("connection to game server lost")
	ErrAuthFailed       = errors.New("game server rejected credential")
	ErrRateLimited      = errors.New("command rate limit exceeded")
	ErrAlreadyListening = errors.New("event stream already listening")
	ErrClosed           = errors.New("bridge closed")
)

// ConnectError wraps a failed connection attempt.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandRejectedError reports a command the server answered with an error reply. The
// connection remains usable.
type CommandRejectedError struct {
	Command string
	Reply   string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %q rejected: %s", e.Command, e.Reply)
}

// Outcome enumerates the results of a connection attempt.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeConnected
)

// ConnectResult is the explicit outcome of Connect: either Connected, or Failed with a
// reason.
type ConnectResult struct {
	Outcome Outcome
	Reason  error
}

// Connected builds a successful result.
func Connected() ConnectResult {
	return ConnectResult{Outcome: OutcomeConnected}
}

// Failed builds a failed result.
func Failed(reason error) ConnectResult {
	return ConnectResult{Outcome: OutcomeFailed, Reason: reason}
}

// OK reports whether the attempt succeeded.
func (r ConnectResult) OK() bool {
	return r.Outcome == OutcomeConnected
}

// Err returns nil for a successful result and the failure reason otherwise.
func (r ConnectResult) Err() error {
	if r.OK() {
		return nil
	}
	if r.Reason == nil {
		return ErrNotConnected
	}
	return r.Reason
}

// stateHolder guards a ConnectionState and logs transitions.
type stateHolder struct {
	name   string
	logger *zap.Logger

	mu    sync.RWMutex
	state ConnectionState
}

func newStateHolder(name string, logger *zap.Logger) *stateHolder {
	return &stateHolder{
		name:   name,
		logger: logger,
		state:  ConnectionState{Status: StatusDisconnected, Since: time.Now()},
	}
}

func (h *stateHolder) set(status Status, err error) {
	h.mu.Lock()
	prev := h.state.Status
	h.state.Status = status
	if err != nil {
		h.state.LastError = err
	}
	if prev != status {
		h.state.Since = time.Now()
	}
	h.mu.Unlock()

	if prev == status {
		return
	}
	fields := []zap.Field{
		zap.String("channel", h.name),
		zap.String("from", prev.String()),
		zap.String("to", status.String()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	h.logger.Info("bridge channel state changed", fields...)
}

func (h *stateHolder) get() ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}
