package service

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/vigil-labs/vigil/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPriorTrue is the baseline trigger probability for categories
	// without a dedicated network definition.
	DefaultPriorTrue = 0.1

	priorSumEpsilon = 1e-6
)

// defaultCPTs are the observed-node tables for the generic fallback
// network. Visual detectors are the most discriminative, text the least.
func defaultCPTs() map[domain.Source]domain.CPT {
	return map[domain.Source]domain.CPT{
		domain.SourceText:      {GivenTrigger: 0.70, GivenNoTrigger: 0.20},
		domain.SourceAudio:     {GivenTrigger: 0.75, GivenNoTrigger: 0.15},
		domain.SourceVisual:    {GivenTrigger: 0.85, GivenNoTrigger: 0.10},
		domain.SourceAggregate: {GivenTrigger: 0.80, GivenNoTrigger: 0.10},
	}
}

func animationVeto() *domain.Prior {
	return &domain.Prior{0.02, 0.98}
}

// builtinNetworks are the compiled-in category definitions. Categories
// depicting graphic imagery carry an animation veto: a cartoon context
// collapses the baseline prior before any evidence is folded in.
func builtinNetworks() map[string]*domain.CategoryNetwork {
	vetoStates := []string{"cartoon", "animation"}

	nets := []*domain.CategoryNetwork{
		{
			Category:   "gore",
			Prior:      domain.Prior{0.08, 0.92},
			VetoStates: vetoStates,
			VetoPrior:  animationVeto(),
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.60, GivenNoTrigger: 0.25},
				domain.SourceAudio:  {GivenTrigger: 0.70, GivenNoTrigger: 0.20},
				domain.SourceVisual: {GivenTrigger: 0.90, GivenNoTrigger: 0.08},
			},
		},
		{
			Category:   "blood",
			Prior:      domain.Prior{0.10, 0.90},
			VetoStates: vetoStates,
			VetoPrior:  animationVeto(),
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.65, GivenNoTrigger: 0.25},
				domain.SourceAudio:  {GivenTrigger: 0.55, GivenNoTrigger: 0.25},
				domain.SourceVisual: {GivenTrigger: 0.92, GivenNoTrigger: 0.10},
			},
		},
		{
			Category: "gunshots",
			Prior:    domain.Prior{0.12, 0.88},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.60, GivenNoTrigger: 0.20},
				domain.SourceAudio:  {GivenTrigger: 0.90, GivenNoTrigger: 0.10},
				domain.SourceVisual: {GivenTrigger: 0.75, GivenNoTrigger: 0.15},
			},
		},
		{
			Category:   "violence",
			Prior:      domain.Prior{0.15, 0.85},
			VetoStates: vetoStates,
			VetoPrior:  &domain.Prior{0.05, 0.95},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.65, GivenNoTrigger: 0.25},
				domain.SourceAudio:  {GivenTrigger: 0.75, GivenNoTrigger: 0.20},
				domain.SourceVisual: {GivenTrigger: 0.85, GivenNoTrigger: 0.12},
			},
		},
		{
			Category: "vomit",
			Prior:    domain.Prior{0.05, 0.95},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.55, GivenNoTrigger: 0.20},
				domain.SourceAudio:  {GivenTrigger: 0.70, GivenNoTrigger: 0.15},
				domain.SourceVisual: {GivenTrigger: 0.88, GivenNoTrigger: 0.08},
			},
		},
		{
			Category: "self-harm",
			Prior:    domain.Prior{0.04, 0.96},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.70, GivenNoTrigger: 0.20},
				domain.SourceAudio:  {GivenTrigger: 0.50, GivenNoTrigger: 0.25},
				domain.SourceVisual: {GivenTrigger: 0.88, GivenNoTrigger: 0.08},
			},
		},
		{
			Category: "medical-procedures",
			Prior:    domain.Prior{0.06, 0.94},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceText:   {GivenTrigger: 0.70, GivenNoTrigger: 0.20},
				domain.SourceAudio:  {GivenTrigger: 0.55, GivenNoTrigger: 0.25},
				domain.SourceVisual: {GivenTrigger: 0.85, GivenNoTrigger: 0.10},
			},
		},
		{
			Category: "flashing-lights",
			Prior:    domain.Prior{0.10, 0.90},
			CPTs: map[domain.Source]domain.CPT{
				domain.SourceVisual:    {GivenTrigger: 0.95, GivenNoTrigger: 0.10},
				domain.SourceAggregate: {GivenTrigger: 0.85, GivenNoTrigger: 0.10},
			},
		},
	}

	byCategory := make(map[string]*domain.CategoryNetwork, len(nets))
	for _, n := range nets {
		byCategory[n.Category] = n
	}
	return byCategory
}

// NetworkRegistry resolves categories to Bayesian network definitions.
// Every category resolves to some network: unknown categories get the
// generic two-state default rather than an error. The whole definition
// set can be hot-swapped from a YAML file.
type NetworkRegistry struct {
	mu       sync.RWMutex
	networks map[string]*domain.CategoryNetwork
	fallback *domain.CategoryNetwork
	logger   *zap.Logger
}

func NewNetworkRegistry(logger *zap.Logger) *NetworkRegistry {
	return &NetworkRegistry{
		networks: builtinNetworks(),
		fallback: &domain.CategoryNetwork{
			Category: "default",
			Prior:    domain.Prior{DefaultPriorTrue, 1 - DefaultPriorTrue},
			CPTs:     defaultCPTs(),
		},
		logger: logger,
	}
}

// Resolve returns the network for category, falling back to the generic
// default when no definition exists.
func (r *NetworkRegistry) Resolve(category string) *domain.CategoryNetwork {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n, ok := r.networks[category]; ok {
		return n
	}
	return r.fallback
}

// Categories returns the categories with dedicated definitions.
func (r *NetworkRegistry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]string, 0, len(r.networks))
	for c := range r.networks {
		cats = append(cats, c)
	}
	return cats
}

type networksFile struct {
	Networks []*domain.CategoryNetwork `yaml:"networks"`
}

// LoadFile replaces the registry's definitions with the ones in a YAML
// file. The swap is all-or-nothing: a file that fails validation leaves
// the current definitions untouched.
func (r *NetworkRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read networks file: %w", err)
	}

	var f networksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse networks file: %w", err)
	}
	if len(f.Networks) == 0 {
		return fmt.Errorf("networks file %s defines no networks", path)
	}

	replacement := make(map[string]*domain.CategoryNetwork, len(f.Networks))
	for _, n := range f.Networks {
		if err := validateNetwork(n); err != nil {
			return fmt.Errorf("network %q: %w", n.Category, err)
		}
		replacement[n.Category] = n
	}

	r.mu.Lock()
	r.networks = replacement
	r.mu.Unlock()

	r.logger.Info("category networks reloaded",
		zap.String("path", path),
		zap.Int("count", len(replacement)))
	return nil
}

func validateNetwork(n *domain.CategoryNetwork) error {
	if n.Category == "" {
		return fmt.Errorf("missing category")
	}
	if err := validatePrior(n.Prior); err != nil {
		return err
	}
	if n.VetoPrior != nil {
		if err := validatePrior(*n.VetoPrior); err != nil {
			return fmt.Errorf("veto prior: %w", err)
		}
	}
	if len(n.CPTs) == 0 {
		return fmt.Errorf("no CPTs defined")
	}
	for src, cpt := range n.CPTs {
		if !domain.ValidSource(string(src)) {
			return fmt.Errorf("unknown source %q", src)
		}
		if cpt.GivenTrigger < 0 || cpt.GivenTrigger > 1 ||
			cpt.GivenNoTrigger < 0 || cpt.GivenNoTrigger > 1 {
			return fmt.Errorf("source %q: CPT cells must be in [0,1]", src)
		}
	}
	return nil
}

func validatePrior(p domain.Prior) error {
	if p[0] < 0 || p[0] > 1 || p[1] < 0 || p[1] > 1 {
		return fmt.Errorf("prior entries must be in [0,1]")
	}
	if math.Abs(p[0]+p[1]-1) > priorSumEpsilon {
		return fmt.Errorf("prior must sum to 1, got %.6f", p[0]+p[1])
	}
	return nil
}
