package service

import (
	"math"

	"github.com/vigil-labs/vigil/internal/domain"
)

const (
	DefaultMaxProbability = 0.99
	DefaultMinProbability = 0.01
)

func Logit(p float64) float64 {
	p = clampProbability(p)
	return math.Log(p / (1 - p))
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clampProbability(p float64) float64 {
	if p < DefaultMinProbability {
		return DefaultMinProbability
	}
	if p > DefaultMaxProbability {
		return DefaultMaxProbability
	}
	return p
}

// Posterior folds one evidence slot per modality into the network's
// baseline prior using log-odds updates. Each modality's likelihood ratio
// is weighted by that record's confidence, so weak detections nudge the
// belief while confident ones move it. Log-odds addition is associative
// and order-insensitive, unlike iterative probability-form updates.
//
// Callers must pre-reduce to at most one record per modality (the
// highest-confidence one); the map shape enforces that.
func Posterior(net *domain.CategoryNetwork, evidence map[domain.Source]domain.EvidenceRecord) float64 {
	return PosteriorWithPrior(net, net.Prior, evidence)
}

// PosteriorWithPrior is Posterior with the baseline prior row supplied by
// the caller (a consensus-adjusted prior, typically). A matching veto
// state in the evidence still overrides the supplied row: context like
// "this is animation" wins over both baseline and community belief.
func PosteriorWithPrior(net *domain.CategoryNetwork, prior domain.Prior, evidence map[domain.Source]domain.EvidenceRecord) float64 {
	if net.VetoPrior != nil {
		for _, ev := range evidence {
			if net.VetoedBy(ev.AuxiliaryState) {
				prior = *net.VetoPrior
				break
			}
		}
	}

	logOdds := math.Log(clampProbability(prior[0]) / clampProbability(prior[1]))

	for src, ev := range evidence {
		cpt, ok := net.CPTs[src]
		if !ok {
			continue
		}
		// Zero cells would produce ln(0); skip rather than emit NaN/Inf.
		if cpt.GivenTrigger == 0 || cpt.GivenNoTrigger == 0 {
			continue
		}
		ratio := cpt.GivenTrigger / cpt.GivenNoTrigger
		logOdds += math.Log(ratio) * ev.Confidence
	}

	odds := math.Exp(logOdds)
	if math.IsInf(odds, 1) {
		return 1
	}
	return odds / (1 + odds)
}
