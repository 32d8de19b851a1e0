package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/effects"
	"github.com/arcanafx/effects-server-go/internal/events"
)

// Config holds the game server endpoints and channel tuning.
type Config struct {
	Host       string
	Port       int
	Credential string
	EventURL   string

	DialTimeout          time.Duration
	AckTimeout           time.Duration
	ReadIdleTimeout      time.Duration
	MaxCommandsPerSecond float64
	CommandBurst         int
}

// Bridge pairs the command channel with the event stream of one game server.
type Bridge struct {
	cfg    Config
	logger *zap.Logger

	commands *CommandClient
	stream   *EventStream

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a disconnected bridge.
func New(cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bridge"))
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		commands: NewCommandClient(logger,
			WithDialTimeout(cfg.DialTimeout),
			WithAckTimeout(cfg.AckTimeout),
			WithRateLimit(cfg.MaxCommandsPerSecond, cfg.CommandBurst),
		),
		stream: NewEventStream(logger,
			WithReadIdleTimeout(cfg.ReadIdleTimeout),
			WithHandshakeTimeout(cfg.DialTimeout),
		),
		closed: make(chan struct{}),
	}
}

// Connect opens the command channel using the configured credential.
func (b *Bridge) Connect(ctx context.Context) ConnectResult {
	if b.isClosed() {
		return Failed(ErrClosed)
	}
	return b.commands.Connect(ctx, b.cfg.Host, b.cfg.Port, b.cfg.Credential)
}

// Send delivers an effect over the command channel.
func (b *Bridge) Send(ctx context.Context, payload effects.Payload) error {
	if b.isClosed() {
		return ErrNotConnected
	}
	return b.commands.Send(ctx, payload)
}

// Listen streams events from the configured URL into callback until the stream drops.
func (b *Bridge) Listen(ctx context.Context, callback func(events.Event)) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.stream.Listen(ctx, b.cfg.EventURL, callback)
}

// State summarizes both channels. The bridge is connected only when both are, degraded
// when exactly one works or the command channel is degraded, and disconnected otherwise.
func (b *Bridge) State() ConnectionState {
	cmd, evt := b.Channels()
	out := cmd
	switch {
	case cmd.Status == StatusConnected && evt.Status == StatusConnected:
		out.Status = StatusConnected
	case cmd.Status == StatusConnecting || evt.Status == StatusConnecting:
		out.Status = StatusConnecting
	case cmd.Status == StatusDisconnected && evt.Status == StatusDisconnected:
		out.Status = StatusDisconnected
	default:
		out.Status = StatusDegraded
	}
	if out.LastError == nil {
		out.LastError = evt.LastError
	}
	if evt.Since.After(out.Since) {
		out.Since = evt.Since
	}
	return out
}

// Channels returns the command and event channel states.
func (b *Bridge) Channels() (command, stream ConnectionState) {
	return b.commands.State(), b.stream.State()
}

// Reset drops both channels so the caller can reconnect.
func (b *Bridge) Reset() {
	b.commands.Close()
	b.stream.Close()
}

// Close releases both channels. It never fails and may be called repeatedly.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.commands.Close()
		b.stream.Close()
		b.logger.Info("bridge closed")
	})
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
