package events

import (
	"maps"
	"time"
)

// Type indicates the category of an event.
type Type string

const (
	TypeEffectCreated Type = "effect_created"
	TypeEffectUpdated Type = "effect_updated"
	TypeEffectDeleted Type = "effect_deleted"
	TypeSystemAlert   Type = "system_alert"
	TypeUserAction    Type = "user_action"

	// TypeEffectFired is published after an effect has been acknowledged by the game server.
	TypeEffectFired Type = "effect_fired"
)

// BaselineTypes lists the event types every deployment declares at startup.
func BaselineTypes() []Type {
	return []Type{
		TypeEffectCreated,
		TypeEffectUpdated,
		TypeEffectDeleted,
		TypeSystemAlert,
		TypeUserAction,
	}
}

// Event represents something that happened and that triggers may react to.
type Event struct {
	Type      Type
	Data      map[string]any
	Timestamp time.Time
}

// NewEvent creates a new event stamped with the current time.
func NewEvent(eventType Type, data map[string]any) Event {
	if data == nil {
		data = make(map[string]any)
	}
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Get returns the top-level data value stored under key.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// String returns the string form of the data value stored under key, or "".
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// frozen returns a copy whose top-level data map is detached from the producer.
func (e Event) frozen() Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Data == nil {
		e.Data = make(map[string]any)
	} else {
		e.Data = maps.Clone(e.Data)
	}
	return e
}
