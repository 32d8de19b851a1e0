package triggers

import (
	"fmt"

	"github.com/arcanafx/effects-server-go/internal/events"
)

// ActionType identifies what an action does when its trigger fires.
type ActionType string

const (
	ActionEffect       ActionType = "effect"
	ActionNotification ActionType = "notification"
	ActionAPICall      ActionType = "api_call"
)

// Valid reports whether the action type is one the evaluator understands.
func (t ActionType) Valid() bool {
	switch t {
	case ActionEffect, ActionNotification, ActionAPICall:
		return true
	default:
		return false
	}
}

// Parameter keys read from effect actions.
const (
	ParamEffectType = "effect_type"
	ParamPreset     = "preset"
	ParamOverrides  = "parameters"
)

// ActionSpec is one step of a trigger's response.
type ActionSpec struct {
	Type       ActionType     `yaml:"type" json:"type"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
}

// Definition is a trigger handed to the evaluator by the persistence layer.
type Definition struct {
	ID        string       `yaml:"id" json:"id"`
	Name      string       `yaml:"name" json:"name"`
	EventType events.Type  `yaml:"event_type" json:"event_type"`
	Condition Condition    `yaml:"condition" json:"condition"`
	Actions   []ActionSpec `yaml:"actions" json:"actions"`
	Priority  int          `yaml:"priority" json:"priority"`
	IsActive  bool         `yaml:"is_active" json:"is_active"`
}

// Validate checks the structural invariants of an active definition.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("trigger has no id")
	}
	if d.EventType == "" {
		return fmt.Errorf("trigger %s has no event type", d.ID)
	}
	if d.IsActive && len(d.Actions) == 0 {
		return fmt.Errorf("active trigger %s has no actions", d.ID)
	}
	for i, a := range d.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("trigger %s action %d: unknown action type %q", d.ID, i, a.Type)
		}
	}
	return nil
}

// effectTarget extracts the effect type or preset name plus overrides of an effect action.
// Overrides may be supplied nested under "parameters" or flat next to "effect_type".
func (a ActionSpec) effectTarget() (effectType, preset string, overrides map[string]any) {
	effectType, _ = a.Parameters[ParamEffectType].(string)
	preset, _ = a.Parameters[ParamPreset].(string)

	if nested, ok := a.Parameters[ParamOverrides].(map[string]any); ok {
		return effectType, preset, nested
	}
	overrides = make(map[string]any, len(a.Parameters))
	for k, v := range a.Parameters {
		if k == ParamEffectType || k == ParamPreset {
			continue
		}
		overrides[k] = v
	}
	return effectType, preset, overrides
}
