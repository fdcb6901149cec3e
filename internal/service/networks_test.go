package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vigil-labs/vigil/internal/domain"
	"go.uber.org/zap"
)

func writeNetworksFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write networks file: %v", err)
	}
	return path
}

func TestRegistry_LoadFileReplacesDefinitions(t *testing.T) {
	r := NewNetworkRegistry(zap.NewNop())

	path := writeNetworksFile(t, `
networks:
  - category: spiders
    prior: [0.03, 0.97]
    cpts:
      visual:
        given_trigger: 0.9
        given_no_trigger: 0.05
`)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	net := r.Resolve("spiders")
	if net.Prior[0] != 0.03 {
		t.Fatalf("expected loaded prior 0.03, got %.2f", net.Prior[0])
	}

	// The swap is whole-set: built-ins not in the file now fall back.
	if got := r.Resolve("gore").Category; got != "default" {
		t.Fatalf("expected gore to fall back after swap, resolved %q", got)
	}
}

func TestRegistry_InvalidFileLeavesDefinitionsUntouched(t *testing.T) {
	r := NewNetworkRegistry(zap.NewNop())

	cases := map[string]string{
		"prior does not sum to 1": `
networks:
  - category: spiders
    prior: [0.5, 0.2]
    cpts:
      visual: {given_trigger: 0.9, given_no_trigger: 0.05}
`,
		"unknown source": `
networks:
  - category: spiders
    prior: [0.1, 0.9]
    cpts:
      sonar: {given_trigger: 0.9, given_no_trigger: 0.05}
`,
		"cpt out of range": `
networks:
  - category: spiders
    prior: [0.1, 0.9]
    cpts:
      visual: {given_trigger: 1.2, given_no_trigger: 0.05}
`,
		"missing category": `
networks:
  - prior: [0.1, 0.9]
    cpts:
      visual: {given_trigger: 0.9, given_no_trigger: 0.05}
`,
		"empty": `networks: []`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.LoadFile(writeNetworksFile(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
			// gore built-in survives every failed swap.
			if got := r.Resolve("gore").Category; got != "gore" {
				t.Fatalf("failed load clobbered definitions, gore resolved %q", got)
			}
		})
	}
}

func TestRegistry_VetoPriorValidated(t *testing.T) {
	r := NewNetworkRegistry(zap.NewNop())

	err := r.LoadFile(writeNetworksFile(t, `
networks:
  - category: gore
    prior: [0.1, 0.9]
    veto_states: [cartoon]
    veto_prior: [0.9, 0.9]
    cpts:
      visual: {given_trigger: 0.9, given_no_trigger: 0.05}
`))
	if err == nil {
		t.Fatal("expected veto prior validation error")
	}
}

func TestBuiltinNetworks_AllValid(t *testing.T) {
	for category, net := range builtinNetworks() {
		if err := validateNetwork(net); err != nil {
			t.Fatalf("builtin %s invalid: %v", category, err)
		}
		if net.VetoPrior != nil && len(net.VetoStates) == 0 {
			t.Fatalf("builtin %s has a veto prior but no veto states", category)
		}
	}
}

func TestBuiltinNetworks_VisualMandatoryHaveVisualCPT(t *testing.T) {
	for category, net := range builtinNetworks() {
		if !VisualMandatory(category) {
			continue
		}
		if _, ok := net.CPTs[domain.SourceVisual]; !ok {
			t.Fatalf("visual-mandatory %s lacks a visual CPT", category)
		}
	}
}
