package domain

// Source identifies the detector modality that produced an evidence record.
type Source string

const (
	SourceText      Source = "text"
	SourceAudio     Source = "audio"
	SourceVisual    Source = "visual"
	SourceAggregate Source = "aggregate"
)

// ValidSource reports whether s names a known detector modality.
func ValidSource(s string) bool {
	switch Source(s) {
	case SourceText, SourceAudio, SourceVisual, SourceAggregate:
		return true
	}
	return false
}

// EvidenceRecord is one normalized detection from a single modality.
// Records are immutable once created; Seq is assigned by the temporal
// window at ingestion and is the only identity used to exclude a record
// from its own related set.
type EvidenceRecord struct {
	Seq            uint64  `json:"seq"`
	Category       string  `json:"category"`
	Source         Source  `json:"source"`
	Timestamp      float64 `json:"timestamp"` // playback seconds, not wall clock
	Confidence     float64 `json:"confidence"`
	AuxiliaryState string  `json:"auxiliary_state,omitempty"`
}

// FusionResult is the deduplicated output of one fused detection event.
// At most one result exists per (category, floor(timestamp)) per session.
type FusionResult struct {
	Category            string   `json:"category"`
	Timestamp           float64  `json:"timestamp"`
	FusedConfidence     float64  `json:"fused_confidence"`
	ContributingSources []Source `json:"contributing_sources"`
	DedupKey            string   `json:"dedup_key"`
}
