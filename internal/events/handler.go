package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Handler reacts to a dispatched event. Handlers run on the bus consumer goroutine and
// are expected to return quickly; long work belongs in a goroutine owned by the handler.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a plain function to the Handler interface. A bare HandlerFunc value
// cannot be registered on a Bus because functions are not comparable; wrap it with
// NewHandler to give it an identity.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle calls f(ctx, evt).
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// namedHandler gives a function a stable pointer identity.
type namedHandler struct {
	name string
	fn   HandlerFunc
}

// NewHandler wraps fn into a comparable handler. Registering the returned value twice
// for the same event type is a no-op.
func NewHandler(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

func (h *namedHandler) Handle(ctx context.Context, evt Event) error {
	return h.fn(ctx, evt)
}

func (h *namedHandler) String() string {
	return h.name
}

// handlerName returns a label used in log lines.
func handlerName(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return reflect.TypeOf(h).String()
}

var (
	// ErrInvalidHandler is the sentinel wrapped by InvalidHandlerError.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrHandlerExecution is the sentinel wrapped by HandlerExecutionError.
	ErrHandlerExecution = errors.New("handler execution failed")
	// ErrBusStopped is returned by Publish once the bus has been stopped.
	ErrBusStopped = errors.New("event bus stopped")
	// ErrQueueFull is returned by Publish when the bounded queue has no room.
	ErrQueueFull = errors.New("event queue full")
	// ErrAlreadyRunning is returned when a second consumer loop is started.
	ErrAlreadyRunning = errors.New("event bus already running")
)

// InvalidHandlerError reports a handler that cannot be registered.
type InvalidHandlerError struct {
	EventType Type
	Reason    string
}

func (e *InvalidHandlerError) Error() string {
	return fmt.Sprintf("invalid handler for %q: %s", e.EventType, e.Reason)
}

func (e *InvalidHandlerError) Unwrap() error {
	return ErrInvalidHandler
}

// HandlerExecutionError reports a handler that failed or panicked during dispatch.
type HandlerExecutionError struct {
	EventType Type
	Handler   string
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s for %q: %v", e.Handler, e.EventType, e.Err)
}

// Is lets errors.Is match both the sentinel and the underlying cause.
func (e *HandlerExecutionError) Is(target error) bool {
	return target == ErrHandlerExecution
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}

// validateHandler checks a handler once at registration time.
func validateHandler(eventType Type, h Handler) error {
	if eventType == "" {
		return &InvalidHandlerError{EventType: eventType, Reason: "empty event type"}
	}
	if h == nil {
		return &InvalidHandlerError{EventType: eventType, Reason: "nil handler"}
	}
	rv := reflect.ValueOf(h)
	if !rv.Type().Comparable() {
		return &InvalidHandlerError{
			EventType: eventType,
			Reason:    fmt.Sprintf("handler type %s is not comparable; wrap functions with NewHandler", rv.Type()),
		}
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return &InvalidHandlerError{EventType: eventType, Reason: "nil handler pointer"}
	}
	return nil
}
