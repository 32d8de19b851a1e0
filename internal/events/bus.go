package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the number of undelivered events held by a Bus.
const DefaultQueueSize = 1024

// Bus is a queued publish/dispatch mechanism with a single consumer loop.
// Producers call Publish from any goroutine; Run drains the queue and delivers each
// event to every handler registered for its type, in registration order.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Type][]Handler
	known    map[Type]struct{}

	qmu      sync.Mutex
	queue    []Event
	capacity int
	stopped  bool

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize bounds the queue. Values below one fall back to DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// NewBus constructs an idle bus. Call Run to start delivering events.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:   logger,
		handlers: make(map[Type][]Handler),
		known:    make(map[Type]struct{}),
		capacity: DefaultQueueSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterType declares an event type. Declaring a type is informational: events of
// undeclared types are still accepted.
func (b *Bus) RegisterType(eventType Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known[eventType]; ok {
		return
	}
	b.known[eventType] = struct{}{}
	b.logger.Debug("registered event type", zap.String("event_type", string(eventType)))
}

// KnownTypes returns the declared event types in sorted order.
func (b *Bus) KnownTypes() []Type {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Type, 0, len(b.known))
	for t := range b.known {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Register adds handler for eventType. Registering the same handler twice for the same
// type is a no-op.
func (b *Bus) Register(eventType Type, handler Handler) error {
	if err := validateHandler(eventType, handler); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.handlers[eventType], handler) {
		return nil
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Info("registered handler",
		zap.String("event_type", string(eventType)),
		zap.String("handler", handlerName(handler)),
	)
	return nil
}

// Unregister removes handler from eventType. Unknown pairs are ignored.
func (b *Bus) Unregister(eventType Type, handler Handler) {
	if validateHandler(eventType, handler) != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[eventType]
	if i := slices.Index(list, handler); i >= 0 {
		b.handlers[eventType] = slices.Delete(slices.Clone(list), i, i+1)
	}
}

// HandlerCount reports how many handlers are registered for eventType.
func (b *Bus) HandlerCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Publish enqueues evt for asynchronous delivery and returns immediately.
func (b *Bus) Publish(evt Event) error {
	evt = evt.frozen()

	b.qmu.Lock()
	if b.stopped {
		b.qmu.Unlock()
		return ErrBusStopped
	}
	if len(b.queue) >= b.capacity {
		b.qmu.Unlock()
		b.logger.Warn("event queue full, dropping event",
			zap.String("event_type", string(evt.Type)),
			zap.Int("capacity", b.capacity),
		)
		return ErrQueueFull
	}
	b.queue = append(b.queue, evt)
	b.qmu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueDepth returns the number of events waiting for the consumer loop.
func (b *Bus) QueueDepth() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.queue)
}

// Run is the consumer loop. It blocks until Stop is called or ctx is cancelled and
// returns nil after Stop, ctx.Err() after cancellation. Either way the bus is stopped
// when Run returns and later Publish calls fail with ErrBusStopped.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	b.logger.Info("event bus started")
	for {
		select {
		case <-b.done:
			b.dropPending()
			return nil
		case <-ctx.Done():
			b.Stop()
			b.dropPending()
			return ctx.Err()
		default:
		}

		evt, ok := b.dequeue()
		if !ok {
			select {
			case <-b.notify:
			case <-b.done:
			case <-ctx.Done():
			}
			continue
		}

		if err := b.Dispatch(ctx, evt); err != nil {
			b.logger.Debug("event dispatched with handler failures",
				zap.String("event_type", string(evt.Type)),
				zap.Error(err),
			)
		}
	}
}

// Stop signals the consumer loop to exit after the event in flight. Events still in the
// queue are dropped. Stop is safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.qmu.Lock()
		b.stopped = true
		b.qmu.Unlock()
		close(b.done)
		b.logger.Info("event bus stopped")
	})
}

// Dispatch delivers evt synchronously to every handler registered for its type.
// Handler failures are logged, isolated from sibling handlers and joined into the
// returned error.
func (b *Bus) Dispatch(ctx context.Context, evt Event) error {
	b.mu.RLock()
	handlers := slices.Clone(b.handlers[evt.Type])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event type",
			zap.String("event_type", string(evt.Type)),
		)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := b.invoke(ctx, h, evt); err != nil {
			b.logger.Error("handler execution error",
				zap.String("event_type", string(evt.Type)),
				zap.String("handler", handlerName(h)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerExecutionError{
				EventType: evt.Type,
				Handler:   handlerName(h),
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if herr := h.Handle(ctx, evt); herr != nil {
		return &HandlerExecutionError{EventType: evt.Type, Handler: handlerName(h), Err: herr}
	}
	return nil
}

func (b *Bus) dequeue() (Event, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	evt := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	return evt, true
}

func (b *Bus) dropPending() {
	b.qmu.Lock()
	dropped := len(b.queue)
	b.queue = nil
	b.qmu.Unlock()
	if dropped > 0 {
		b.logger.Warn("dropped queued events on shutdown", zap.Int("dropped", dropped))
	}
}
