package service

import (
	"github.com/vigil-labs/vigil/internal/domain"
)

const (
	// VisualBandSeconds is how close a corroborating visual record must be.
	VisualBandSeconds = 3.0
	// NonVisualPenalty scales confidence for visual-mandatory categories
	// detected only through text or audio ("discussed, not shown").
	NonVisualPenalty = 0.4
)

// visualMandatory lists categories that depict graphic content rather than
// merely referencing it. A subtitle mentioning blood is not blood on screen.
var visualMandatory = map[string]bool{
	"blood":              true,
	"gore":               true,
	"vomit":              true,
	"body-horror":        true,
	"medical-procedures": true,
	"self-harm":          true,
	"violence":           true,
}

// VisualMandatory reports whether category requires visual confirmation.
func VisualMandatory(category string) bool {
	return visualMandatory[category]
}

// AdjustConfidence applies the shown-not-told rule: a non-visual record
// for a visual-mandatory category keeps its confidence only when a visual
// record for the same category sits within VisualBandSeconds in the
// related set; otherwise the confidence is penalized. Runs before fusion
// so the penalty decides whether the record clears the minimum floor.
func AdjustConfidence(ev domain.EvidenceRecord, related []domain.EvidenceRecord) float64 {
	if !visualMandatory[ev.Category] || ev.Source == domain.SourceVisual {
		return ev.Confidence
	}

	for _, r := range related {
		if r.Source != domain.SourceVisual {
			continue
		}
		delta := r.Timestamp - ev.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= VisualBandSeconds {
			return ev.Confidence
		}
	}

	return ev.Confidence * NonVisualPenalty
}
