package domain

// Prior is a two-state probability pair for the hidden trigger node,
// ordered [P(true), P(false)].
type Prior [2]float64

// CPT holds the conditional probability of a modality reporting a
// detection given each trigger state.
type CPT struct {
	GivenTrigger   float64 `yaml:"given_trigger" json:"given_trigger"`
	GivenNoTrigger float64 `yaml:"given_no_trigger" json:"given_no_trigger"`
}

// CategoryNetwork is the fixed-topology Bayesian network for one
// content-warning category: a hidden trigger node with a baseline prior,
// one observed node per modality, and an optional veto context node whose
// states switch the baseline to VetoPrior before evidence is folded in.
// Networks are immutable at run time and hot-swapped whole via the registry.
type CategoryNetwork struct {
	Category   string         `yaml:"category" json:"category"`
	Prior      Prior          `yaml:"prior" json:"prior"`
	VetoStates []string       `yaml:"veto_states,omitempty" json:"veto_states,omitempty"`
	VetoPrior  *Prior         `yaml:"veto_prior,omitempty" json:"veto_prior,omitempty"`
	CPTs       map[Source]CPT `yaml:"cpts" json:"cpts"`
}

// VetoedBy reports whether aux matches one of the network's veto states.
func (n *CategoryNetwork) VetoedBy(aux string) bool {
	if aux == "" {
		return false
	}
	for _, s := range n.VetoStates {
		if s == aux {
			return true
		}
	}
	return false
}
