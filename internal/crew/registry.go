package crew

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// Registry holds the known crew definitions, keyed by name. Definitions
// come from YAML files in a directory; built-in defaults cover the five
// pipeline phases when no directory is configured.
type Registry struct {
	dir string
	log *logging.Logger

	mu    sync.RWMutex
	crews map[string]*core.CrewDef
}

// NewRegistry loads definitions from dir. An empty dir keeps only the
// built-in defaults; files in dir override defaults by crew name.
func NewRegistry(dir string, log *logging.Logger) (*Registry, error) {
	r := &Registry{dir: dir, log: log, crews: DefaultCrews()}
	if dir == "" {
		return r, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the definition for a crew name.
func (r *Registry) Get(name string) (*core.CrewDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	crew, ok := r.crews[name]
	if !ok {
		return nil, core.ErrConfiguration(core.CodeUnknownCrew, fmt.Sprintf("no crew definition named %q", name))
	}
	return crew, nil
}

// List returns the known crew names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.crews))
	for name := range r.crews {
		names = append(names, name)
	}
	return names
}

// reload reads every YAML file in the directory and swaps the crew map
// wholesale. A file that fails to parse or validate rejects the whole
// reload so a half-applied edit never goes live.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading crew directory: %w", err)
	}

	crews := DefaultCrews()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		crew, err := loadCrewFile(filepath.Join(r.dir, name))
		if err != nil {
			return err
		}
		crews[crew.Name] = crew
	}

	r.mu.Lock()
	r.crews = crews
	r.mu.Unlock()
	return nil
}

func loadCrewFile(path string) (*core.CrewDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crew file %s: %w", path, err)
	}

	var crew core.CrewDef
	if err := yaml.Unmarshal(data, &crew); err != nil {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig,
			fmt.Sprintf("crew file %s: %v", filepath.Base(path), err))
	}
	if err := crew.Validate(); err != nil {
		return nil, err
	}
	return &crew, nil
}

// Watch hot-reloads the registry when crew files change, until ctx is
// cancelled. Rapid editor write bursts are debounced.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating crew watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching crew directory: %w", err)
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			if err := r.reload(); err != nil {
				r.log.Warn("crew reload rejected, keeping previous definitions", "error", err)
			} else {
				r.log.Info("crew definitions reloaded", "crews", len(r.List()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("crew watcher error", "error", err)
		}
	}
}

// DefaultCrews returns the built-in crew per pipeline phase. Each crew
// is named after its phase.
func DefaultCrews() map[string]*core.CrewDef {
	crews := []*core.CrewDef{
		{
			Name: string(core.PhaseMap),
			Mode: core.ExecutionOrdered,
			Steps: []core.StepDef{
				{Role: "manager", Kind: core.StepKindManager, Critical: true},
				{Role: "profiler", Kind: core.StepKindSpecialist, Critical: true},
			},
		},
		{
			Name: string(core.PhaseCleanse),
			Mode: core.ExecutionOrdered,
			Steps: []core.StepDef{
				{Role: "manager", Kind: core.StepKindManager, Critical: true},
				{Role: "cleanser", Kind: core.StepKindSpecialist, Critical: false},
			},
		},
		{
			Name: string(core.PhaseClassify),
			Mode: core.ExecutionGraph,
			Steps: []core.StepDef{
				{Role: "manager", Kind: core.StepKindManager, Critical: true},
				{Role: "classifier", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: true},
				{Role: "linker", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: false},
			},
		},
		{
			Name: string(core.PhaseDepgraph),
			Mode: core.ExecutionGraph,
			Steps: []core.StepDef{
				{Role: "manager", Kind: core.StepKindManager, Critical: true},
				{Role: "linker", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: true},
			},
		},
		{
			Name: string(core.PhaseRisk),
			Mode: core.ExecutionOrdered,
			Steps: []core.StepDef{
				{Role: "manager", Kind: core.StepKindManager, Critical: true},
				{Role: "assessor", Kind: core.StepKindSpecialist, Critical: true},
			},
		},
	}

	out := make(map[string]*core.CrewDef, len(crews))
	for _, c := range crews {
		out[c.Name] = c
	}
	return out
}
