package triggers

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/effects"
	"github.com/arcanafx/effects-server-go/internal/events"
)

// EffectSynthesizer builds effect payloads.
type EffectSynthesizer interface {
	Synthesize(effectType effects.Type, overrides map[string]any) (effects.Payload, error)
}

// PresetResolver expands a named preset into an effect type and overrides.
type PresetResolver interface {
	Resolve(name string, extra map[string]any) (effects.Type, map[string]any, error)
}

// EffectSender delivers a payload to the game server. A nil error means the server
// acknowledged it.
type EffectSender interface {
	Send(ctx context.Context, payload effects.Payload) error
}

// Notification is handed to the Notifier by notification actions.
type Notification struct {
	TriggerID  string
	EventType  events.Type
	Parameters map[string]any
	EventData  map[string]any
}

// Notifier delivers notification actions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// APICall is handed to the APICaller by api_call actions.
type APICall struct {
	TriggerID  string
	EventType  events.Type
	Parameters map[string]any
	EventData  map[string]any
}

// APICaller performs api_call actions.
type APICaller interface {
	Call(ctx context.Context, call APICall) error
}

// Registrar is the subset of the event bus the evaluator binds to.
type Registrar interface {
	Register(eventType events.Type, handler events.Handler) error
}

// Publisher receives effect_fired events after a successful delivery.
type Publisher interface {
	Publish(evt events.Event) error
}

var (
	// ErrNoCollaborator is returned for actions whose collaborator was not configured.
	ErrNoCollaborator = errors.New("no collaborator configured for action")
	// ErrInvalidAction is returned for actions missing required parameters.
	ErrInvalidAction = errors.New("invalid action")
)

// ActionError describes a failed action with enough context to correlate logs.
type ActionError struct {
	TriggerID string
	EventType events.Type
	Index     int
	Type      ActionType
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("trigger %s action %d (%s) on %q: %v", e.TriggerID, e.Index, e.Type, e.EventType, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ActionOutcome records what an action did during an evaluation pass.
type ActionOutcome struct {
	Index    int
	Type     ActionType
	EffectID string
	Err      error
}

// TriggerOutcome records a trigger whose condition matched.
type TriggerOutcome struct {
	TriggerID string
	Priority  int
	Actions   []ActionOutcome
}

// Result summarises one evaluation pass.
type Result struct {
	EventType events.Type
	// Matched lists fired triggers in execution order.
	Matched []TriggerOutcome
	// Failed lists candidates whose condition could not be evaluated.
	Failed []string
}

// Errors joins every action failure of the pass.
func (r Result) Errors() error {
	var errs []error
	for _, t := range r.Matched {
		for _, a := range t.Actions {
			if a.Err != nil {
				errs = append(errs, a.Err)
			}
		}
	}
	return errors.Join(errs...)
}

type compiledTrigger struct {
	def       Definition
	match     predicate
	malformed error
}

type snapshot struct {
	byType map[events.Type][]*compiledTrigger
	count  int
}

var emptySnapshot = &snapshot{byType: map[events.Type][]*compiledTrigger{}}

// Evaluator holds the active trigger set and runs it against incoming events.
type Evaluator struct {
	logger   *zap.Logger
	compiler *compiler

	synth     EffectSynthesizer
	sender    EffectSender
	presets   PresetResolver
	notifier  Notifier
	caller    APICaller
	publisher Publisher

	bindMu    sync.Mutex
	registrar Registrar

	current atomic.Pointer[snapshot]
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithPresets lets effect actions reference presets by name.
func WithPresets(p PresetResolver) EvaluatorOption {
	return func(e *Evaluator) { e.presets = p }
}

// WithNotifier sets the collaborator for notification actions.
func WithNotifier(n Notifier) EvaluatorOption {
	return func(e *Evaluator) { e.notifier = n }
}

// WithAPICaller sets the collaborator for api_call actions.
func WithAPICaller(c APICaller) EvaluatorOption {
	return func(e *Evaluator) { e.caller = c }
}

// WithPublisher publishes an effect_fired event after each acknowledged effect.
func WithPublisher(p Publisher) EvaluatorOption {
	return func(e *Evaluator) { e.publisher = p }
}

// NewEvaluator creates an evaluator with an empty trigger set.
func NewEvaluator(logger *zap.Logger, synth EffectSynthesizer, sender EffectSender, opts ...EvaluatorOption) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := newCompiler()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		logger:   logger,
		compiler: c,
		synth:    synth,
		sender:   sender,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(emptySnapshot)
	return e, nil
}

// Bind registers the evaluator on the bus for every event type it currently has
// triggers for, and for every type added by later calls to Replace.
func (e *Evaluator) Bind(r Registrar, eventTypes ...events.Type) error {
	e.bindMu.Lock()
	e.registrar = r
	e.bindMu.Unlock()

	types := append(slices.Clone(eventTypes), e.eventTypes()...)
	return e.registerTypes(types)
}

func (e *Evaluator) registerTypes(types []events.Type) error {
	e.bindMu.Lock()
	r := e.registrar
	e.bindMu.Unlock()
	if r == nil {
		return nil
	}
	var errs []error
	for _, t := range types {
		if err := r.Register(t, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Evaluator) eventTypes() []events.Type {
	snap := e.current.Load()
	out := make([]events.Type, 0, len(snap.byType))
	for t := range snap.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Replace swaps in a new trigger set. Inactive definitions are skipped, invalid ones
// are logged and skipped, and malformed conditions are kept as never-matching triggers.
// It returns the number of active triggers in the new set.
func (e *Evaluator) Replace(defs []Definition) int {
	next := &snapshot{byType: make(map[events.Type][]*compiledTrigger)}
	seen := make(map[string]struct{}, len(defs))

	for _, def := range defs {
		if !def.IsActive {
			continue
		}
		if err := def.Validate(); err != nil {
			e.logger.Warn("rejecting trigger definition",
				zap.String("trigger_id", def.ID),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[def.ID]; dup {
			e.logger.Warn("duplicate trigger id, keeping first",
				zap.String("trigger_id", def.ID),
			)
			continue
		}
		seen[def.ID] = struct{}{}

		ct := &compiledTrigger{def: cloneDefinition(def)}
		ct.match, ct.malformed = e.compiler.compile(def.Condition)
		if ct.malformed != nil {
			e.logger.Warn("trigger condition is malformed and will never match",
				zap.String("trigger_id", def.ID),
				zap.String("event_type", string(def.EventType)),
				zap.Error(ct.malformed),
			)
		}
		next.byType[def.EventType] = append(next.byType[def.EventType], ct)
		next.count++
	}

	for _, list := range next.byType {
		slices.SortStableFunc(list, func(a, b *compiledTrigger) int {
			if a.def.Priority != b.def.Priority {
				return cmp.Compare(b.def.Priority, a.def.Priority)
			}
			return compareIDs(a.def.ID, b.def.ID)
		})
	}

	e.current.Store(next)
	e.logger.Info("trigger set replaced", zap.Int("active", next.count))

	if err := e.registerTypes(e.eventTypes()); err != nil {
		e.logger.Error("failed to bind trigger event types", zap.Error(err))
	}
	return next.count
}

// Release drops the working set.
func (e *Evaluator) Release() {
	e.current.Store(emptySnapshot)
	e.logger.Info("trigger working set released")
}

// Count returns the number of active triggers.
func (e *Evaluator) Count() int {
	return e.current.Load().count
}

// Triggers returns a copy of the active definitions in evaluation order per event type.
func (e *Evaluator) Triggers() []Definition {
	snap := e.current.Load()
	out := make([]Definition, 0, snap.count)
	for _, t := range e.eventTypes() {
		for _, ct := range snap.byType[t] {
			out = append(out, cloneDefinition(ct.def))
		}
	}
	return out
}

// Handle implements events.Handler. Failures are logged per action and never returned,
// so one bad trigger cannot mark the whole dispatch as failed.
func (e *Evaluator) Handle(ctx context.Context, evt events.Event) error {
	e.EvaluateNow(ctx, evt)
	return nil
}

func (e *Evaluator) String() string { return "trigger-evaluator" }

// EvaluateNow runs one evaluation pass synchronously and reports what happened.
func (e *Evaluator) EvaluateNow(ctx context.Context, evt events.Event) Result {
	snap := e.current.Load()
	result := Result{EventType: evt.Type}

	for _, ct := range snap.byType[evt.Type] {
		if ctx.Err() != nil {
			e.logger.Warn("evaluation cancelled",
				zap.String("event_type", string(evt.Type)),
				zap.Error(ctx.Err()),
			)
			return result
		}

		if ct.malformed != nil {
			result.Failed = append(result.Failed, ct.def.ID)
			continue
		}
		ok, err := e.safeMatch(ct, evt)
		if err != nil {
			e.logger.Warn("condition evaluation failed, treating as non-match",
				zap.String("trigger_id", ct.def.ID),
				zap.String("event_type", string(evt.Type)),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, ct.def.ID)
			continue
		}
		if !ok {
			continue
		}

		outcome := TriggerOutcome{TriggerID: ct.def.ID, Priority: ct.def.Priority}
		for i, action := range ct.def.Actions {
			outcome.Actions = append(outcome.Actions, e.runAction(ctx, ct.def, i, action, evt))
		}
		result.Matched = append(result.Matched, outcome)
	}
	return result
}

func (e *Evaluator) safeMatch(ct *compiledTrigger, evt events.Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panic: %v", r)
		}
	}()
	return ct.match(evt)
}

func (e *Evaluator) runAction(ctx context.Context, def Definition, index int, action ActionSpec, evt events.Event) (out ActionOutcome) {
	out = ActionOutcome{Index: index, Type: action.Type}

	fail := func(err error) ActionOutcome {
		out.Err = &ActionError{TriggerID: def.ID, EventType: evt.Type, Index: index, Type: action.Type, Err: err}
		e.logger.Error("trigger action failed",
			zap.String("trigger_id", def.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Int("action_index", index),
			zap.String("action_type", string(action.Type)),
			zap.Error(err),
		)
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			out = fail(fmt.Errorf("action panic: %v", r))
		}
	}()

	switch action.Type {
	case ActionEffect:
		id, err := e.fireEffect(ctx, def, action, evt)
		out.EffectID = id
		if err != nil {
			return fail(err)
		}
	case ActionNotification:
		if e.notifier == nil {
			return fail(ErrNoCollaborator)
		}
		err := e.notifier.Notify(ctx, Notification{
			TriggerID:  def.ID,
			EventType:  evt.Type,
			Parameters: maps.Clone(action.Parameters),
			EventData:  maps.Clone(evt.Data),
		})
		if err != nil {
			return fail(err)
		}
	case ActionAPICall:
		if e.caller == nil {
			return fail(ErrNoCollaborator)
		}
		err := e.caller.Call(ctx, APICall{
			TriggerID:  def.ID,
			EventType:  evt.Type,
			Parameters: maps.Clone(action.Parameters),
			EventData:  maps.Clone(evt.Data),
		})
		if err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, action.Type))
	}
	return out
}

func (e *Evaluator) fireEffect(ctx context.Context, def Definition, action ActionSpec, evt events.Event) (string, error) {
	if e.synth == nil || e.sender == nil {
		return "", ErrNoCollaborator
	}

	typeName, preset, overrides := action.effectTarget()
	effectType := effects.Type(typeName)
	switch {
	case preset != "":
		if e.presets == nil {
			return "", fmt.Errorf("preset %q: %w", preset, ErrNoCollaborator)
		}
		resolved, params, err := e.presets.Resolve(preset, overrides)
		if err != nil {
			return "", err
		}
		effectType, overrides = resolved, params
	case typeName == "":
		return "", fmt.Errorf("%w: effect action needs %s or %s", ErrInvalidAction, ParamEffectType, ParamPreset)
	}

	payload, err := e.synth.Synthesize(effectType, overrides)
	if err != nil {
		return "", err
	}
	if err := e.sender.Send(ctx, payload); err != nil {
		return payload.ID, err
	}

	e.logger.Info("effect fired",
		zap.String("trigger_id", def.ID),
		zap.String("event_type", string(evt.Type)),
		zap.String("effect_id", payload.ID),
		zap.String("effect_type", string(payload.Type)),
	)

	if e.publisher != nil {
		fired := events.NewEvent(events.TypeEffectFired, map[string]any{
			"effect_id":   payload.ID,
			"effect_type": string(payload.Type),
			"trigger_id":  def.ID,
			"parameters":  maps.Clone(payload.Parameters),
		})
		if err := e.publisher.Publish(fired); err != nil {
			e.logger.Debug("could not publish effect_fired", zap.Error(err))
		}
	}
	return payload.ID, nil
}

// compareIDs orders numeric ids numerically and ahead of the rest, which sort lexically.
func compareIDs(a, b string) int {
	an, aErr := strconv.ParseInt(a, 10, 64)
	bn, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return cmp.Compare(an, bn)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}

func cloneDefinition(d Definition) Definition {
	d.Actions = slices.Clone(d.Actions)
	for i := range d.Actions {
		d.Actions[i].Parameters = maps.Clone(d.Actions[i].Parameters)
	}
	return d
}
