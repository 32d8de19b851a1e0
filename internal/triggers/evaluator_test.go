package triggers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/effects"
	"github.com/arcanafx/effects-server-go/internal/events"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []effects.Payload
	failOn   effects.Type
	sent     chan effects.Payload
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan effects.Payload, 32)}
}

func (f *fakeSender) Send(_ context.Context, p effects.Payload) error {
	if p.Type == f.failOn {
		return errors.New("server refused")
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	f.sent <- p
	return nil
}

func (f *fakeSender) all() []effects.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]effects.Payload(nil), f.payloads...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

type fakeCaller struct {
	calls []APICall
	err   error
}

func (f *fakeCaller) Call(_ context.Context, c APICall) error {
	f.calls = append(f.calls, c)
	return f.err
}

type fakePublisher struct {
	published []events.Event
}

func (f *fakePublisher) Publish(evt events.Event) error {
	f.published = append(f.published, evt)
	return nil
}

func newTestEvaluator(t *testing.T, sender EffectSender, opts ...EvaluatorOption) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(zap.NewNop(), effects.NewSynthesizer(zap.NewNop()), sender, opts...)
	require.NoError(t, err)
	return ev
}

func lightAction(intensity float64) ActionSpec {
	return ActionSpec{
		Type: ActionEffect,
		Parameters: map[string]any{
			ParamEffectType: "light",
			ParamOverrides:  map[string]any{"intensity": intensity},
		},
	}
}

func TestEvaluator_CriticalEffectCreatedFiresOneLight(t *testing.T) {
	sender := newFakeSender()
	ev := newTestEvaluator(t, sender)

	ev.Replace([]Definition{{
		ID:        "1",
		EventType: events.TypeEffectCreated,
		Condition: Condition{Field: "severity", Op: OpEq, Value: "critical"},
		Actions:   []ActionSpec{lightAction(1.0)},
		IsActive:  true,
	}})

	bus := events.NewBus(zap.NewNop())
	require.NoError(t, ev.Bind(bus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	require.NoError(t, bus.Publish(events.NewEvent(events.TypeEffectCreated, map[string]any{"severity": "critical"})))

	select {
	case p := <-sender.sent:
		assert.Equal(t, effects.TypeLight, p.Type)
		assert.Equal(t, 1.0, p.Intensity())
	case <-time.After(2 * time.Second):
		t.Fatal("no effect sent")
	}

	// a non-matching event acts as a barrier for any duplicate delivery
	require.NoError(t, bus.Publish(events.NewEvent(events.TypeEffectCreated, map[string]any{"severity": "info"})))
	require.Eventually(t, func() bool { return bus.QueueDepth() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sender.all(), 1)
}

func TestEvaluator_PriorityOrderIsDeterministic(t *testing.T) {
	defs := []Definition{
		{ID: "low", EventType: events.TypeUserAction, Priority: 5, IsActive: true, Actions: []ActionSpec{{
			Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "sound"},
		}}},
		{ID: "high", EventType: events.TypeUserAction, Priority: 10, IsActive: true, Actions: []ActionSpec{{
			Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "particle"},
		}}},
	}

	for range 20 {
		sender := newFakeSender()
		ev := newTestEvaluator(t, sender)
		ev.Replace(defs)

		res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, nil))
		require.Len(t, res.Matched, 2)
		assert.Equal(t, "high", res.Matched[0].TriggerID)
		assert.Equal(t, "low", res.Matched[1].TriggerID)

		sent := sender.all()
		require.Len(t, sent, 2)
		assert.Equal(t, effects.TypeParticle, sent[0].Type)
		assert.Equal(t, effects.TypeSound, sent[1].Type)
	}
}

func TestEvaluator_TieBreakByID(t *testing.T) {
	ev := newTestEvaluator(t, newFakeSender())
	mk := func(id string) Definition {
		return Definition{ID: id, EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{lightAction(0.5)}}
	}
	ev.Replace([]Definition{mk("10"), mk("b"), mk("9"), mk("a")})

	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, nil))
	var order []string
	for _, m := range res.Matched {
		order = append(order, m.TriggerID)
	}
	assert.Equal(t, []string{"9", "10", "a", "b"}, order)
}

func TestEvaluator_FailingActionDoesNotStopOthers(t *testing.T) {
	sender := newFakeSender()
	sender.failOn = effects.TypeSound
	notifier := &fakeNotifier{}
	ev := newTestEvaluator(t, sender, WithNotifier(notifier))

	ev.Replace([]Definition{
		{ID: "1", EventType: events.TypeSystemAlert, Priority: 2, IsActive: true, Actions: []ActionSpec{
			{Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "sound"}},
			{Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "light", "intensity": 9.0}},
			{Type: ActionAPICall, Parameters: map[string]any{"url": "http://example.invalid"}},
			{Type: ActionNotification, Parameters: map[string]any{"message": "alert"}},
		}},
		{ID: "2", EventType: events.TypeSystemAlert, Priority: 1, IsActive: true, Actions: []ActionSpec{
			{Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "particle"}},
		}},
	})

	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeSystemAlert, map[string]any{"severity": "critical"}))
	require.Len(t, res.Matched, 2)

	first := res.Matched[0].Actions
	require.Len(t, first, 4)
	assert.Error(t, first[0].Err)
	assert.ErrorIs(t, first[1].Err, effects.ErrInvalidParameter)
	assert.ErrorIs(t, first[2].Err, ErrNoCollaborator)
	assert.NoError(t, first[3].Err)

	var actionErr *ActionError
	require.ErrorAs(t, first[1].Err, &actionErr)
	assert.Equal(t, "1", actionErr.TriggerID)
	assert.Equal(t, 1, actionErr.Index)

	assert.NoError(t, res.Matched[1].Actions[0].Err)
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "alert", notifier.notes[0].Parameters["message"])
	assert.Equal(t, "critical", notifier.notes[0].EventData["severity"])

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, effects.TypeParticle, sent[0].Type)
	assert.Error(t, res.Errors())

	assert.NoError(t, ev.Handle(context.Background(), events.NewEvent(events.TypeSystemAlert, nil)))
}

func TestEvaluator_MalformedConditionNeverMatches(t *testing.T) {
	sender := newFakeSender()
	ev := newTestEvaluator(t, sender)
	ev.Replace([]Definition{
		{ID: "bad", EventType: events.TypeUserAction, IsActive: true,
			Condition: Condition{Field: "x", Op: "between"}, Actions: []ActionSpec{lightAction(0.5)}},
		{ID: "data", EventType: events.TypeUserAction, IsActive: true,
			Condition: Condition{Field: "level", Op: OpGt, Value: 3}, Actions: []ActionSpec{lightAction(0.5)}},
		{ID: "good", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{lightAction(0.5)}},
	})

	var res Result
	require.NotPanics(t, func() {
		res = ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, map[string]any{"level": "nine"}))
	})
	require.Len(t, res.Matched, 1)
	assert.Equal(t, "good", res.Matched[0].TriggerID)
	assert.ElementsMatch(t, []string{"bad", "data"}, res.Failed)
}

func TestEvaluator_ReplaceFiltersDefinitions(t *testing.T) {
	ev := newTestEvaluator(t, newFakeSender())

	n := ev.Replace([]Definition{
		{ID: "inactive", EventType: events.TypeUserAction, IsActive: false},
		{ID: "no-actions", EventType: events.TypeUserAction, IsActive: true},
		{ID: "bad-action", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{{Type: "email"}}},
		{ID: "ok", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{lightAction(0.1)}},
		{ID: "ok", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{lightAction(0.2)}},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ev.Count())

	defs := ev.Triggers()
	require.Len(t, defs, 1)
	assert.Equal(t, "ok", defs[0].ID)

	ev.Release()
	assert.Equal(t, 0, ev.Count())
	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, nil))
	assert.Empty(t, res.Matched)
}

func TestEvaluator_SnapshotIsIsolatedFromCaller(t *testing.T) {
	sender := newFakeSender()
	ev := newTestEvaluator(t, sender)

	defs := []Definition{{ID: "1", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{{
		Type: ActionEffect, Parameters: map[string]any{ParamEffectType: "light"},
	}}}}
	ev.Replace(defs)
	defs[0].Actions[0].Parameters[ParamEffectType] = "smoke"

	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, nil))
	require.Len(t, res.Matched, 1)
	assert.NoError(t, res.Matched[0].Actions[0].Err)
}

type mapPresets map[string]effects.Preset

func (m mapPresets) Resolve(name string, extra map[string]any) (effects.Type, map[string]any, error) {
	p, ok := m[name]
	if !ok {
		return "", nil, effects.ErrUnknownPreset
	}
	params := map[string]any{"duration": p.Duration, "intensity": p.Intensity}
	for k, v := range extra {
		params[k] = v
	}
	return p.Type, params, nil
}

func TestEvaluator_PresetActionsAndEffectFired(t *testing.T) {
	sender := newFakeSender()
	pub := &fakePublisher{}
	presets := mapPresets{"alarm": {Name: "alarm", Type: effects.TypeSound, Duration: 5, Intensity: 0.9}}
	ev := newTestEvaluator(t, sender, WithPresets(presets), WithPublisher(pub))

	ev.Replace([]Definition{{ID: "1", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{
		{Type: ActionEffect, Parameters: map[string]any{ParamPreset: "alarm", "duration": 8}},
		{Type: ActionEffect, Parameters: map[string]any{ParamPreset: "missing"}},
		{Type: ActionEffect, Parameters: map[string]any{}},
	}}})

	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeUserAction, nil))
	require.Len(t, res.Matched, 1)
	actions := res.Matched[0].Actions
	require.NoError(t, actions[0].Err)
	assert.True(t, strings.HasPrefix(actions[0].EffectID, "effect_"))
	assert.ErrorIs(t, actions[1].Err, effects.ErrUnknownPreset)
	assert.ErrorIs(t, actions[2].Err, ErrInvalidAction)

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, effects.TypeSound, sent[0].Type)
	assert.Equal(t, 8.0, sent[0].Duration())

	require.Len(t, pub.published, 1)
	fired := pub.published[0]
	assert.Equal(t, events.TypeEffectFired, fired.Type)
	assert.Equal(t, actions[0].EffectID, fired.Data["effect_id"])
	assert.Equal(t, "1", fired.Data["trigger_id"])
}

func TestEvaluator_APICallDelegates(t *testing.T) {
	caller := &fakeCaller{}
	ev := newTestEvaluator(t, newFakeSender(), WithAPICaller(caller))
	ev.Replace([]Definition{{ID: "7", EventType: events.TypeEffectDeleted, IsActive: true, Actions: []ActionSpec{
		{Type: ActionAPICall, Parameters: map[string]any{"url": "http://hooks.local/x", "method": "POST"}},
	}}})

	res := ev.EvaluateNow(context.Background(), events.NewEvent(events.TypeEffectDeleted, map[string]any{"id": 3}))
	require.Len(t, res.Matched, 1)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "7", caller.calls[0].TriggerID)
	assert.Equal(t, "http://hooks.local/x", caller.calls[0].Parameters["url"])
}

type recordingRegistrar struct {
	types []events.Type
}

func (r *recordingRegistrar) Register(t events.Type, _ events.Handler) error {
	r.types = append(r.types, t)
	return nil
}

func TestEvaluator_BindRegistersTriggerTypes(t *testing.T) {
	ev := newTestEvaluator(t, newFakeSender())
	reg := &recordingRegistrar{}

	require.NoError(t, ev.Bind(reg, events.TypeSystemAlert))
	assert.Equal(t, []events.Type{events.TypeSystemAlert}, reg.types)

	ev.Replace([]Definition{{ID: "1", EventType: "block_broken", IsActive: true, Actions: []ActionSpec{lightAction(1)}}})
	assert.Contains(t, reg.types, events.Type("block_broken"))
}

func TestEvaluator_CancelledContextStopsPass(t *testing.T) {
	sender := newFakeSender()
	ev := newTestEvaluator(t, sender)
	ev.Replace([]Definition{{ID: "1", EventType: events.TypeUserAction, IsActive: true, Actions: []ActionSpec{lightAction(1)}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ev.EvaluateNow(ctx, events.NewEvent(events.TypeUserAction, nil))
	assert.Empty(t, res.Matched)
	assert.Empty(t, sender.all())
}
