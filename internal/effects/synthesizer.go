package effects

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies an effect the game server knows how to render.
type Type string

const (
	TypeParticle Type = "particle"
	TypeSound    Type = "sound"
	TypeLight    Type = "light"
)

// Parameter names shared by every effect type.
const (
	ParamColor     = "color"
	ParamDuration  = "duration"
	ParamIntensity = "intensity"

	ParamParticlesCount = "particles_count"
	ParamFrequency      = "frequency"
	ParamRadius         = "radius"
)

// Bounds enforced on merged parameters.
const (
	MinDuration  = 0.0
	MaxDuration  = 3600.0
	MinIntensity = 0.0
	MaxIntensity = 1.0

	MinParticles = 10
	MaxParticles = 50
	MinFrequency = 200.0
	MaxFrequency = 2000.0
	MinRadius    = 1.0
	MaxRadius    = 5.0
)

// Defaults are the compiled-in base parameters of an effect type.
type Defaults struct {
	Color     string
	Duration  float64
	Intensity float64
}

var defaultParameters = map[Type]Defaults{
	TypeParticle: {Color: "#FFFFFF", Duration: 1.0, Intensity: 1.0},
	TypeSound:    {Color: "#000000", Duration: 2.0, Intensity: 0.8},
	TypeLight:    {Color: "#FFFF00", Duration: 1.5, Intensity: 0.9},
}

// DefaultsFor returns the compiled-in defaults of effectType.
func DefaultsFor(effectType Type) (Defaults, bool) {
	d, ok := defaultParameters[effectType]
	return d, ok
}

// KnownTypes lists every effect type the synthesizer can build.
func KnownTypes() []Type {
	return []Type{TypeParticle, TypeSound, TypeLight}
}

var (
	// ErrUnknownEffectType is wrapped by UnknownEffectTypeError.
	ErrUnknownEffectType = errors.New("unknown effect type")
	// ErrInvalidParameter is wrapped by InvalidParameterError.
	ErrInvalidParameter = errors.New("invalid effect parameter")
)

// UnknownEffectTypeError reports an effect type with no compiled defaults.
type UnknownEffectTypeError struct {
	Type Type
}

func (e *UnknownEffectTypeError) Error() string {
	return fmt.Sprintf("unknown effect type %q", e.Type)
}

func (e *UnknownEffectTypeError) Unwrap() error { return ErrUnknownEffectType }

// InvalidParameterError reports an override that fails validation.
type InvalidParameterError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidParameterError) Unwrap() error { return ErrInvalidParameter }

// Payload is a fully resolved effect ready to be sent to the game server.
type Payload struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// Duration returns the resolved duration in seconds.
func (p Payload) Duration() float64 {
	v, _ := toFloat(p.Parameters[ParamDuration])
	return v
}

// Intensity returns the resolved intensity.
func (p Payload) Intensity() float64 {
	v, _ := toFloat(p.Parameters[ParamIntensity])
	return v
}

// Color returns the resolved color.
func (p Payload) Color() string {
	s, _ := p.Parameters[ParamColor].(string)
	return s
}

// Synthesizer turns effect types and overrides into payloads. It performs no I/O.
type Synthesizer struct {
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	ids func() string
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithRand replaces the source used for derived fields.
func WithRand(r *rand.Rand) SynthesizerOption {
	return func(s *Synthesizer) { s.rng = r }
}

// WithIDGenerator replaces the effect id generator.
func WithIDGenerator(fn func() string) SynthesizerOption {
	return func(s *Synthesizer) { s.ids = fn }
}

// NewSynthesizer creates a synthesizer seeded from the runtime.
func NewSynthesizer(logger *zap.Logger, opts ...SynthesizerOption) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{
		logger: logger,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		ids:    func() string { return "effect_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize merges overrides over the defaults of effectType, validates the result and
// appends the type-specific randomized fields.
func (s *Synthesizer) Synthesize(effectType Type, overrides map[string]any) (Payload, error) {
	defaults, ok := defaultParameters[effectType]
	if !ok {
		return Payload{}, &UnknownEffectTypeError{Type: effectType}
	}

	merged, err := merge(defaults, overrides)
	if err != nil {
		return Payload{}, err
	}

	params := map[string]any{
		ParamColor:     merged.Color,
		ParamDuration:  merged.Duration,
		ParamIntensity: merged.Intensity,
	}

	s.mu.Lock()
	switch effectType {
	case TypeParticle:
		params[ParamParticlesCount] = MinParticles + s.rng.IntN(MaxParticles-MinParticles+1)
	case TypeSound:
		params[ParamFrequency] = s.openInterval(MinFrequency, MaxFrequency)
	case TypeLight:
		params[ParamRadius] = MinRadius + s.rng.Float64()*(MaxRadius-MinRadius)
	}
	id := s.ids()
	s.mu.Unlock()

	payload := Payload{ID: id, Type: effectType, Parameters: params}
	s.logger.Debug("synthesized effect",
		zap.String("effect_id", payload.ID),
		zap.String("effect_type", string(effectType)),
		zap.Float64("duration", merged.Duration),
		zap.Float64("intensity", merged.Intensity),
	)
	return payload, nil
}

// openInterval draws from (lo, hi), rejecting the lower bound that Float64 can return.
func (s *Synthesizer) openInterval(lo, hi float64) float64 {
	for {
		v := lo + s.rng.Float64()*(hi-lo)
		if v > lo && v < hi {
			return v
		}
	}
}

// merge applies a shallow override of color, duration and intensity.
func merge(defaults Defaults, overrides map[string]any) (Defaults, error) {
	out := defaults
	if raw, ok := overrides[ParamColor]; ok {
		color, isString := raw.(string)
		if !isString {
			return Defaults{}, &InvalidParameterError{Field: ParamColor, Value: raw, Reason: "must be a string"}
		}
		out.Color = color
	}
	if raw, ok := overrides[ParamDuration]; ok {
		v, err := numeric(ParamDuration, raw)
		if err != nil {
			return Defaults{}, err
		}
		out.Duration = v
	}
	if raw, ok := overrides[ParamIntensity]; ok {
		v, err := numeric(ParamIntensity, raw)
		if err != nil {
			return Defaults{}, err
		}
		out.Intensity = v
	}
	if err := Validate(out.Duration, out.Intensity); err != nil {
		return Defaults{}, err
	}
	return out, nil
}

// Validate checks duration and intensity against the accepted ranges.
func Validate(duration, intensity float64) error {
	if !(duration >= MinDuration && duration <= MaxDuration) {
		return &InvalidParameterError{
			Field:  ParamDuration,
			Value:  duration,
			Reason: fmt.Sprintf("must be within [%g, %g] seconds", MinDuration, MaxDuration),
		}
	}
	if !(intensity >= MinIntensity && intensity <= MaxIntensity) {
		return &InvalidParameterError{
			Field:  ParamIntensity,
			Value:  intensity,
			Reason: fmt.Sprintf("must be within [%g, %g]", MinIntensity, MaxIntensity),
		}
	}
	return nil
}

func numeric(field string, raw any) (float64, error) {
	v, ok := toFloat(raw)
	if !ok {
		return 0, &InvalidParameterError{Field: field, Value: raw, Reason: "must be a number"}
	}
	return v, nil
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// cloneOverrides copies an override map so callers can layer values without aliasing.
func cloneOverrides(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return maps.Clone(m)
}
