package triggers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arcanafx/effects-server-go/internal/events"
)

// Source supplies trigger definitions from the persistence layer.
type Source interface {
	Load(ctx context.Context) ([]Definition, error)
}

// Refresh loads definitions from src and swaps them into ev.
func Refresh(ctx context.Context, src Source, ev *Evaluator) (int, error) {
	defs, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load triggers: %w", err)
	}
	return ev.Replace(defs), nil
}

// StaticSource serves a fixed set of definitions.
type StaticSource []Definition

// Load returns the definitions.
func (s StaticSource) Load(context.Context) ([]Definition, error) {
	return []Definition(s), nil
}

// fileTrigger mirrors Definition with is_active defaulting to true.
type fileTrigger struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	EventType string       `yaml:"event_type"`
	Condition Condition    `yaml:"condition"`
	Actions   []ActionSpec `yaml:"actions"`
	Priority  int          `yaml:"priority"`
	IsActive  *bool        `yaml:"is_active"`
}

func (f fileTrigger) definition() Definition {
	active := f.IsActive == nil || *f.IsActive
	return Definition{
		ID:        f.ID,
		Name:      f.Name,
		EventType: events.Type(f.EventType),
		Condition: f.Condition,
		Actions:   f.Actions,
		Priority:  f.Priority,
		IsActive:  active,
	}
}

// DecodeYAML reads a `triggers:` document.
func DecodeYAML(r io.Reader) ([]Definition, error) {
	var doc struct {
		Triggers []fileTrigger `yaml:"triggers"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	defs := make([]Definition, 0, len(doc.Triggers))
	for _, t := range doc.Triggers {
		defs = append(defs, t.definition())
	}
	return defs, nil
}

// FileSource reads trigger definitions from a YAML file.
type FileSource struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration
}

// NewFileSource creates a source backed by path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, logger: logger, debounce: 250 * time.Millisecond}
}

// Load reads and decodes the file.
func (s *FileSource) Load(context.Context) ([]Definition, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open trigger file: %w", err)
	}
	defer f.Close()
	return DecodeYAML(f)
}

// Watch reloads the file whenever it changes and passes the new definitions to
// onChange. Bursts of writes are coalesced. Watch blocks until ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context, onChange func([]Definition)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-based saves are seen.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(s.debounce)

		case <-timer.C:
			defs, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn("trigger file reload failed, keeping previous set",
					zap.String("path", s.path),
					zap.Error(err),
				)
				continue
			}
			s.logger.Info("trigger file changed", zap.String("path", s.path), zap.Int("definitions", len(defs)))
			onChange(defs)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("trigger file watcher error", zap.Error(err))
		}
	}
}
