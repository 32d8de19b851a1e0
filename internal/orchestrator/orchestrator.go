package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/bridge"
	"github.com/arcanafx/effects-server-go/internal/effects"
	"github.com/arcanafx/effects-server-go/internal/events"
	"github.com/arcanafx/effects-server-go/internal/triggers"
)

// GameBridge is the game server connection the orchestrator drives.
type GameBridge interface {
	Connect(ctx context.Context) bridge.ConnectResult
	Send(ctx context.Context, payload effects.Payload) error
	Listen(ctx context.Context, callback func(events.Event)) error
	State() bridge.ConnectionState
	Channels() (command, stream bridge.ConnectionState)
	Reset()
	Close()
}

// CriticalAlertHandler is told about system alerts with critical severity.
type CriticalAlertHandler interface {
	HandleCriticalAlert(ctx context.Context, evt events.Event) error
}

// Watcher pushes updated trigger sets when the underlying source changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func([]triggers.Definition)) error
}

// Config tunes the orchestrator.
type Config struct {
	QueueSize int

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration // zero retries forever

	WatchTriggers bool
}

// Deps are the collaborators wired together at startup. Synthesizer and NewBridge are
// required.
type Deps struct {
	Synthesizer triggers.EffectSynthesizer
	Presets     triggers.PresetResolver
	Notifier    triggers.Notifier
	APICaller   triggers.APICaller
	Alerts      CriticalAlertHandler
	Source      triggers.Source
	NewBridge   func() GameBridge
}

var (
	ErrMissingDependency = errors.New("missing orchestrator dependency")
	ErrAlreadyStarted    = errors.New("orchestrator already started")
)

// Health is a point-in-time snapshot of the running system.
type Health struct {
	Running    bool
	Bridge     bridge.ConnectionState
	QueueDepth int
	Triggers   int
}

// Healthy reports whether effects can currently reach the game server.
func (h Health) Healthy() bool {
	return h.Running && h.Bridge.Status == bridge.StatusConnected
}

// Orchestrator owns the bus, the trigger evaluator and the game bridge, and runs them
// for the lifetime of the process.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	bus       *events.Bus
	evaluator *triggers.Evaluator

	bridgeMu sync.RWMutex
	bridge   GameBridge

	started atomic.Bool
	running atomic.Bool
	ready   chan struct{}
	redial  chan struct{}
	wg      sync.WaitGroup
}

// New validates deps and returns an orchestrator that has not started anything yet.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("%w: synthesizer", ErrMissingDependency)
	}
	if deps.NewBridge == nil {
		return nil, fmt.Errorf("%w: bridge factory", ErrMissingDependency)
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		ready:  make(chan struct{}),
		redial: make(chan struct{}, 1),
	}, nil
}

// Ready is closed once startup has completed and the bus is consuming events.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Bus returns the event bus. It is nil before Run.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Evaluator returns the trigger evaluator. It is nil before Run.
func (o *Orchestrator) Evaluator() *triggers.Evaluator {
	return o.evaluator
}

// Run starts every component in dependency order, blocks until ctx is cancelled and
// then shuts down in reverse order. It returns an error only when startup fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	if err := o.start(loopCtx); err != nil {
		cancelLoops()
		o.shutdown()
		o.wg.Wait()
		return err
	}

	busErr := make(chan error, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		busErr <- o.bus.Run(loopCtx)
	}()
	o.running.Store(true)
	close(o.ready)
	o.logger.Info("orchestrator started", zap.Int("triggers", o.evaluator.Count()))

	select {
	case <-ctx.Done():
	case err := <-busErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("event bus exited", zap.Error(err))
		}
	}

	o.running.Store(false)
	o.bus.Stop()
	cancelLoops()
	o.shutdown()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.bus = events.NewBus(o.logger, events.WithQueueSize(o.cfg.QueueSize))

	opts := []triggers.EvaluatorOption{triggers.WithPublisher(o.bus)}
	if o.deps.Presets != nil {
		opts = append(opts, triggers.WithPresets(o.deps.Presets))
	}
	if o.deps.Notifier != nil {
		opts = append(opts, triggers.WithNotifier(o.deps.Notifier))
	}
	if o.deps.APICaller != nil {
		opts = append(opts, triggers.WithAPICaller(o.deps.APICaller))
	}
	ev, err := triggers.NewEvaluator(o.logger, o.deps.Synthesizer, effectSender{o}, opts...)
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}
	o.evaluator = ev

	baseline := events.BaselineTypes()
	for _, t := range baseline {
		o.bus.RegisterType(t)
	}
	if err := ev.Bind(o.bus, baseline...); err != nil {
		return fmt.Errorf("bind evaluator: %w", err)
	}

	if o.deps.Source != nil {
		n, err := triggers.Refresh(ctx, o.deps.Source, ev)
		if err != nil {
			return err
		}
		o.logger.Info("triggers loaded", zap.Int("active", n))
		o.startWatcher(ctx)
	}

	criticalMonitor := events.NewHandler("critical-alert-monitor", o.onSystemAlert)
	if err := o.bus.Register(events.TypeSystemAlert, criticalMonitor); err != nil {
		return fmt.Errorf("register critical alert monitor: %w", err)
	}

	b := o.deps.NewBridge()
	o.bridgeMu.Lock()
	o.bridge = b
	o.bridgeMu.Unlock()

	if err := o.connect(ctx); err != nil {
		return fmt.Errorf("connect to game server: %w", err)
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.commandLoop(ctx, b)
	}()
	go func() {
		defer o.wg.Done()
		o.listenLoop(ctx, b)
	}()
	return nil
}

func (o *Orchestrator) startWatcher(ctx context.Context) {
	w, ok := o.deps.Source.(Watcher)
	if !ok || !o.cfg.WatchTriggers {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := w.Watch(ctx, func(defs []triggers.Definition) {
			n := o.evaluator.Replace(defs)
			o.logger.Info("triggers reloaded", zap.Int("active", n))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("trigger watcher stopped", zap.Error(err))
		}
	}()
}

// shutdown tears components down in reverse start order.
func (o *Orchestrator) shutdown() {
	if o.bus != nil {
		o.bus.Stop()
	}
	if b := o.currentBridge(); b != nil {
		b.Close()
	}
	if o.evaluator != nil {
		o.evaluator.Release()
	}
}

// Reload pulls a fresh trigger set from the configured source.
func (o *Orchestrator) Reload(ctx context.Context) (int, error) {
	if o.deps.Source == nil || o.evaluator == nil {
		return 0, fmt.Errorf("%w: trigger source", ErrMissingDependency)
	}
	return triggers.Refresh(ctx, o.deps.Source, o.evaluator)
}

// Health reports the current state.
func (o *Orchestrator) Health() Health {
	h := Health{Running: o.running.Load()}
	if b := o.currentBridge(); b != nil {
		h.Bridge = b.State()
	}
	if o.bus != nil {
		h.QueueDepth = o.bus.QueueDepth()
	}
	if o.evaluator != nil {
		h.Triggers = o.evaluator.Count()
	}
	return h
}

func (o *Orchestrator) onSystemAlert(ctx context.Context, evt events.Event) error {
	if evt.String("severity") != "critical" {
		return nil
	}
	o.logger.Error("critical system alert",
		zap.String("event_type", string(evt.Type)),
		zap.String("message", evt.String("message")),
		zap.Any("data", evt.Data),
	)
	if o.deps.Alerts == nil {
		return nil
	}
	return o.deps.Alerts.HandleCriticalAlert(ctx, evt)
}

func (o *Orchestrator) currentBridge() GameBridge {
	o.bridgeMu.RLock()
	defer o.bridgeMu.RUnlock()
	return o.bridge
}

// effectSender routes evaluator output to whichever bridge is current.
type effectSender struct{ o *Orchestrator }

func (s effectSender) Send(ctx context.Context, payload effects.Payload) error {
	b := s.o.currentBridge()
	if b == nil {
		return bridge.ErrNotConnected
	}
	err := b.Send(ctx, payload)
	if err != nil {
		// commandLoop ignores the request while the channel is still connected.
		s.o.requestRedial()
	}
	return err
}

// NotifierAlerts forwards critical alerts to a Notifier.
type NotifierAlerts struct {
	Notifier triggers.Notifier
}

// HandleCriticalAlert implements CriticalAlertHandler.
func (n NotifierAlerts) HandleCriticalAlert(ctx context.Context, evt events.Event) error {
	return n.Notifier.Notify(ctx, triggers.Notification{
		TriggerID:  "critical-alert",
		EventType:  evt.Type,
		Parameters: map[string]any{"message": evt.String("message"), "severity": "critical"},
		EventData:  evt.Data,
	})
}

func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.ReconnectInitial
	policy.MaxInterval = o.cfg.ReconnectMax
	return policy
}
