package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ompkit/topocore/pkg/affinity"
)

func TestLoadYAMLTwoPolicies(t *testing.T) {
	r := strings.NewReader(`
policies:
  - name: workers
    type: compact
    granularity: cores
    compact: 1
  - name: helpers
    type: scatter
    granularity: threads
    dups: true
`)
	ps, err := LoadYAML(r)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(ps.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(ps.Policies))
	}
	if ps.Policies[0].Name != "workers" || ps.Policies[0].Type != "compact" {
		t.Fatalf("unexpected first policy: %+v", ps.Policies[0])
	}
	if ps.Policies[1].Name != "helpers" || !ps.Policies[1].Dups {
		t.Fatalf("unexpected second policy: %+v", ps.Policies[1])
	}
}

func TestLoadYAMLFileResolvesAnchorMergeKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	// An anchor/alias pair with a merge key; the JSON-compatible decoder
	// resolves it while converting YAML to JSON.
	content := `
defaults: &defaults
  type: balanced
policies:
  - <<: *defaults
    name: workers
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ps, err := LoadYAMLFile(path)
	if err != nil {
		t.Fatalf("LoadYAMLFile: %v", err)
	}
	if len(ps.Policies) != 1 || ps.Policies[0].Name != "workers" {
		t.Fatalf("unexpected policy set: %+v", ps)
	}
	if ps.Policies[0].Type != "balanced" {
		t.Fatalf("expected anchor to resolve type=balanced, got %+v", ps.Policies[0])
	}
}

func TestLoadINISections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.ini")
	content := `
[workers]
type = compact
granularity = cores
compact = 1

[helpers]
type = scatter
granularity = threads
dups = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ps, err := LoadINI(path)
	if err != nil {
		t.Fatalf("LoadINI: %v", err)
	}
	if len(ps.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(ps.Policies))
	}
	byName := map[string]Policy{}
	for _, p := range ps.Policies {
		byName[p.Name] = p
	}
	workers, ok := byName["workers"]
	if !ok || workers.Type != "compact" || workers.Compact != 1 {
		t.Fatalf("unexpected workers section: %+v", workers)
	}
	helpers, ok := byName["helpers"]
	if !ok || helpers.Type != "scatter" || !helpers.Dups {
		t.Fatalf("unexpected helpers section: %+v", helpers)
	}
}

func TestToAffinityConfigResolvesTypeAndGranularity(t *testing.T) {
	p := Policy{Name: "workers", Type: "scatter", Granularity: "cores", Compact: 2, Offset: 1}
	cfg, err := ToAffinityConfig(p)
	if err != nil {
		t.Fatalf("ToAffinityConfig: %v", err)
	}
	if cfg.Type != affinity.TypeScatter {
		t.Fatalf("expected TypeScatter, got %v", cfg.Type)
	}
	if cfg.Compact != 2 || cfg.Offset != 1 {
		t.Fatalf("unexpected compact/offset: %+v", cfg)
	}
}

func TestToAffinityConfigRejectsUnknownType(t *testing.T) {
	_, err := ToAffinityConfig(Policy{Name: "bad", Type: "nonsense"})
	if err == nil {
		t.Fatalf("expected an error for an unknown affinity type")
	}
}

func TestToAffinityConfigDefaultsToNone(t *testing.T) {
	cfg, err := ToAffinityConfig(Policy{Name: "bare"})
	if err != nil {
		t.Fatalf("ToAffinityConfig: %v", err)
	}
	if cfg.Type != affinity.TypeNone {
		t.Fatalf("expected TypeNone, got %v", cfg.Type)
	}
}
