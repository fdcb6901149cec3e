package service

import (
	"github.com/vigil-labs/vigil/internal/domain"
)

const (
	// WindowSeconds is how far behind the newest arrival records are kept.
	WindowSeconds = 10.0
	// RelatedSeconds bounds the category/time proximity for relating records.
	RelatedSeconds = 5.0
)

// TemporalWindow holds the recent evidence for one playback session.
// Eviction is keyed off the newest arrival's playback timestamp, not wall
// clock: the pipeline is driven by content time, which can seek or jump.
// Not safe for concurrent use; the owning session serializes access.
type TemporalWindow struct {
	records []domain.EvidenceRecord
	nextSeq uint64
}

func NewTemporalWindow() *TemporalWindow {
	return &TemporalWindow{}
}

// Ingest assigns the record a sequence number, appends it, and evicts
// everything older than WindowSeconds relative to the new record. The
// stamped copy is returned.
func (w *TemporalWindow) Ingest(ev domain.EvidenceRecord) domain.EvidenceRecord {
	w.nextSeq++
	ev.Seq = w.nextSeq
	w.records = append(w.records, ev)

	cutoff := ev.Timestamp - WindowSeconds
	kept := w.records[:0]
	for _, r := range w.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	w.records = kept
	return ev
}

// Related returns the retained records that share the given record's
// category, lie within RelatedSeconds of it, and come from a different
// modality. Same-source records are never related so one sensor cannot
// count as two signals.
func (w *TemporalWindow) Related(ev domain.EvidenceRecord) []domain.EvidenceRecord {
	var related []domain.EvidenceRecord
	for _, r := range w.records {
		if r.Seq == ev.Seq {
			continue
		}
		if r.Category != ev.Category || r.Source == ev.Source {
			continue
		}
		delta := r.Timestamp - ev.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= RelatedSeconds {
			related = append(related, r)
		}
	}
	return related
}

// Len returns the number of retained records.
func (w *TemporalWindow) Len() int {
	return len(w.records)
}
