package domain

import "context"

// KV is the small persistence port the estimators depend on. Any embedding
// host supplies a concrete adapter (Postgres, in-memory for tests). Values
// are opaque serialized records; keys are namespaced by the caller.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ConsensusReader exposes the community belief for use as an adjusted
// fusion prior. Implemented by the consensus engine; a nil reader means
// fusion runs on baseline priors only.
type ConsensusReader interface {
	State(ctx context.Context, segmentID, category string) (*ConsensusState, bool)
}
