package crew

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

const customCrewYAML = `name: map
mode: graph
steps:
  - role: manager
    kind: manager
    critical: true
  - role: profiler
    kind: specialist
    depends_on: [manager]
    critical: true
  - role: sampler
    kind: specialist
    depends_on: [manager]
    critical: false
`

func TestRegistry_DefaultsCoverAllPhases(t *testing.T) {
	r, err := NewRegistry("", logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	for _, phase := range core.AllPhases() {
		crew, err := r.Get(string(phase))
		if err != nil {
			t.Errorf("Get(%s) error = %v", phase, err)
			continue
		}
		if err := crew.Validate(); err != nil {
			t.Errorf("default crew %s invalid: %v", phase, err)
		}
	}
}

func TestRegistry_GetUnknownCrew(t *testing.T) {
	r, err := NewRegistry("", logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	_, err = r.Get("no-such-crew")
	if !core.IsCategory(err, core.ErrCatConfiguration) {
		t.Fatalf("Get() error = %v, want configuration category", err)
	}
}

func TestRegistry_FileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "map.yaml"), []byte(customCrewYAML), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r, err := NewRegistry(dir, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	crew, err := r.Get("map")
	if err != nil {
		t.Fatalf("Get(map) error = %v", err)
	}
	if crew.Mode != core.ExecutionGraph {
		t.Errorf("Mode = %v, want graph override", crew.Mode)
	}
	if len(crew.Steps) != 3 {
		t.Errorf("Steps len = %d, want 3", len(crew.Steps))
	}
	if _, ok := crew.Step("sampler"); !ok {
		t.Error("override step sampler missing")
	}
}

func TestRegistry_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	// Two managers.
	bad := `name: broken
mode: ordered
steps:
  - role: a
    kind: manager
  - role: b
    kind: manager
`
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := NewRegistry(dir, logging.NewNop())
	if !core.IsCategory(err, core.ErrCatConfiguration) {
		t.Fatalf("NewRegistry() error = %v, want configuration category", err)
	}
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Watch(ctx); err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "map.yaml"), []byte(customCrewYAML), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		crew, err := r.Get("map")
		if err == nil && crew.Mode == core.ExecutionGraph {
			break
		}
		select {
		case <-deadline:
			t.Fatal("registry did not reload within deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
