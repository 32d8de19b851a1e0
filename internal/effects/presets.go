package effects

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPreset is returned when an action references a preset that is not loaded.
var ErrUnknownPreset = errors.New("unknown effect preset")

// Preset is a named, validated set of effect parameters.
type Preset struct {
	Name       string         `yaml:"name"`
	Type       Type           `yaml:"type"`
	Parameters map[string]any `yaml:"parameters"`
	Duration   float64        `yaml:"duration"`
	Intensity  float64        `yaml:"intensity"`
	Enabled    *bool          `yaml:"is_enabled"`
}

func (p Preset) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// overrides returns the preset as an override map for Synthesize.
func (p Preset) overrides() map[string]any {
	out := cloneOverrides(p.Parameters)
	out[ParamDuration] = p.Duration
	out[ParamIntensity] = p.Intensity
	return out
}

// PresetCatalog holds the presets available to effect actions.
type PresetCatalog struct {
	logger *zap.Logger

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewPresetCatalog creates an empty catalog.
func NewPresetCatalog(logger *zap.Logger) *PresetCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresetCatalog{
		logger:  logger,
		presets: make(map[string]Preset),
	}
}

// LoadFile replaces the catalog with the presets declared in a YAML file.
func (c *PresetCatalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open presets: %w", err)
	}
	defer f.Close()
	return c.Load(f)
}

// Load replaces the catalog with presets decoded from r. Invalid presets are skipped
// and logged; the remaining ones are loaded.
func (c *PresetCatalog) Load(r io.Reader) error {
	var doc struct {
		Presets []Preset `yaml:"presets"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode presets: %w", err)
	}

	next := make(map[string]Preset, len(doc.Presets))
	for _, p := range doc.Presets {
		if err := validatePreset(p); err != nil {
			c.logger.Warn("skipping invalid effect preset",
				zap.String("preset", p.Name),
				zap.Error(err),
			)
			continue
		}
		if !p.enabled() {
			continue
		}
		next[p.Name] = p
	}

	c.mu.Lock()
	c.presets = next
	c.mu.Unlock()

	c.logger.Info("effect presets loaded", zap.Int("count", len(next)))
	return nil
}

// Add registers a single preset after validating it.
func (c *PresetCatalog) Add(p Preset) error {
	if err := validatePreset(p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presets[p.Name] = p
	return nil
}

// Names returns the loaded preset names in sorted order.
func (c *PresetCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve returns the effect type of the named preset and its parameters with extra
// layered on top.
func (c *PresetCatalog) Resolve(name string, extra map[string]any) (Type, map[string]any, error) {
	c.mu.RLock()
	p, ok := c.presets[name]
	c.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}

	params := p.overrides()
	for k, v := range extra {
		params[k] = v
	}
	return p.Type, params, nil
}

func validatePreset(p Preset) error {
	if p.Name == "" {
		return &InvalidParameterError{Field: "name", Value: p.Name, Reason: "must not be empty"}
	}
	if _, ok := defaultParameters[p.Type]; !ok {
		return &UnknownEffectTypeError{Type: p.Type}
	}
	if err := Validate(p.Duration, p.Intensity); err != nil {
		return err
	}
	if p.Type == TypeParticle {
		if _, ok := p.Parameters[ParamColor]; !ok {
			return &InvalidParameterError{Field: ParamColor, Value: nil, Reason: "particle presets require a color"}
		}
	}
	return nil
}
