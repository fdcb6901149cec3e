package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/store"
	"go.uber.org/zap"
)

const (
	// PriorWeight is how many votes' worth of evidence an AI detection
	// seed contributes to a fresh Beta belief.
	PriorWeight = 2.0
	// SignificantDelta is the single-vote consensus move that triggers an
	// immediate durability flush instead of waiting for the next tick.
	SignificantDelta = 0.15

	consensusKeyPrefix = "consensus:"
)

// keyedMutex serializes read-modify-write cycles per key. Lock returns
// the unlock func for the key's mutex, creating it on first use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// ConsensusService aggregates community votes into persistent Beta
// beliefs per (segment, category), weighting each vote by the voter's
// learned reliability. Votes apply to the in-memory state immediately;
// durability is deferred to the flusher, so a crash between vote and
// flush loses a bounded window of votes but never corrupts state.
type ConsensusService struct {
	kv      domain.KV
	tracker *ReliabilityTracker
	logger  *zap.Logger

	locks     keyedMutex
	mu        sync.RWMutex
	bySegment map[string]*domain.ConsensusState
	dirty     map[string]struct{}

	flushNow chan struct{}

	votesProcessed atomic.Int64
	spamFiltered   atomic.Int64
	seedsApplied   atomic.Int64
	flushes        atomic.Int64
}

// NewConsensusService creates a consensus engine. kv may be nil, in which
// case all state is in-memory only (degraded mode).
func NewConsensusService(kv domain.KV, tracker *ReliabilityTracker, logger *zap.Logger) *ConsensusService {
	return &ConsensusService{
		kv:        kv,
		tracker:   tracker,
		logger:    logger,
		bySegment: make(map[string]*domain.ConsensusState),
		dirty:     make(map[string]struct{}),
		flushNow:  make(chan struct{}, 1),
	}
}

// Tracker exposes the reliability tracker for read endpoints.
func (s *ConsensusService) Tracker() *ReliabilityTracker {
	return s.tracker
}

func consensusKey(segmentID, category string) string {
	return segmentID + ":" + category
}

// RecordVote applies one user vote. Low-reliability voters still cause a
// missing state to be created with a neutral prior, but their verdict is
// never folded in. The returned state is a snapshot.
func (s *ConsensusService) RecordVote(ctx context.Context, vote domain.Vote) *domain.ConsensusState {
	s.votesProcessed.Add(1)

	if vote.SegmentID == "" || vote.Category == "" || !domain.ValidVerdict(string(vote.Verdict)) {
		s.logger.Warn("dropping malformed vote",
			zap.String("segment_id", vote.SegmentID),
			zap.String("category", vote.Category),
			zap.String("verdict", string(vote.Verdict)))
		return nil
	}

	reliability := s.tracker.Score(ctx, vote.UserID)

	key := consensusKey(vote.SegmentID, vote.Category)
	unlock := s.locks.lock(key)

	state := s.getOrCreate(ctx, key, vote.SegmentID, vote.Category, nil)

	if reliability < MinReliability {
		s.spamFiltered.Add(1)
		snapshot := *state
		unlock()
		s.logger.Debug("vote filtered as spam",
			zap.String("user_id", vote.UserID.String()),
			zap.Float64("reliability", reliability))
		return &snapshot
	}

	before := state.Probability()
	if vote.Verdict == domain.VerdictConfirm {
		state.Alpha += reliability
	} else {
		state.Beta += reliability
	}
	state.TotalVotes++
	state.LastUpdated = time.Now().UTC()
	after := state.Probability()

	s.mu.Lock()
	s.dirty[key] = struct{}{}
	s.mu.Unlock()

	snapshot := *state
	unlock()

	// Reliability learns against the post-update consensus: the vote
	// itself is part of the record it is judged by.
	s.tracker.RecordAgreement(ctx, vote.UserID, vote.Verdict, after)

	if math.Abs(after-before) >= SignificantDelta {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}

	return &snapshot
}

// Seed initializes a segment's belief from an AI detection confidence on
// the 0-100 scale. Seeding is idempotent: a state that already exists is
// returned untouched, never reset.
func (s *ConsensusService) Seed(ctx context.Context, segmentID, category string, aiConfidence float64) *domain.ConsensusState {
	if segmentID == "" || category == "" || math.IsNaN(aiConfidence) {
		s.logger.Warn("dropping malformed seed",
			zap.String("segment_id", segmentID),
			zap.String("category", category))
		return nil
	}

	p := aiConfidence / 100
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	key := consensusKey(segmentID, category)
	unlock := s.locks.lock(key)
	defer unlock()

	state := s.getOrCreate(ctx, key, segmentID, category, &p)
	snapshot := *state
	return &snapshot
}

// State returns a snapshot of the belief for (segmentID, category), if
// one exists in memory or in the durable store. Implements
// domain.ConsensusReader for the fusion prior feedback loop.
func (s *ConsensusService) State(ctx context.Context, segmentID, category string) (*domain.ConsensusState, bool) {
	key := consensusKey(segmentID, category)
	unlock := s.locks.lock(key)
	defer unlock()

	state := s.lookup(ctx, key)
	if state == nil {
		return nil, false
	}
	snapshot := *state
	return &snapshot, true
}

// Reset removes a segment's belief entirely. This is the only deletion
// path and is always user-initiated.
func (s *ConsensusService) Reset(ctx context.Context, segmentID, category string) {
	key := consensusKey(segmentID, category)
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	delete(s.bySegment, key)
	delete(s.dirty, key)
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.Remove(ctx, consensusKeyPrefix+key); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("consensus reset: durable remove failed",
				zap.String("key", key), zap.Error(err))
		}
	}

	s.logger.Info("consensus state reset",
		zap.String("segment_id", segmentID),
		zap.String("category", category))
}

// getOrCreate returns the state for key, loading from the KV store on a
// memory miss and creating it lazily otherwise. aiPrior, when non-nil,
// seeds the fresh Beta as PriorWeight votes' worth of AI evidence; a nil
// aiPrior creates a uniform 50% belief. Caller must hold the key lock.
func (s *ConsensusService) getOrCreate(ctx context.Context, key, segmentID, category string, aiPrior *float64) *domain.ConsensusState {
	if state := s.lookup(ctx, key); state != nil {
		return state
	}

	state := &domain.ConsensusState{
		SegmentID:   segmentID,
		Category:    category,
		Alpha:       1,
		Beta:        1,
		LastUpdated: time.Now().UTC(),
	}
	if aiPrior != nil {
		state.Alpha = 1 + *aiPrior*PriorWeight
		state.Beta = 1 + (1-*aiPrior)*PriorWeight
		s.seedsApplied.Add(1)
	}

	s.mu.Lock()
	s.bySegment[key] = state
	s.dirty[key] = struct{}{}
	s.mu.Unlock()
	return state
}

// lookup returns the in-memory state for key, falling back to the
// durable store. When both exist the merge policy keeps vote history:
// prefer the record with nonzero votes, then the newer one. Caller must
// hold the key lock.
func (s *ConsensusService) lookup(ctx context.Context, key string) *domain.ConsensusState {
	s.mu.RLock()
	state, ok := s.bySegment[key]
	s.mu.RUnlock()

	if ok || s.kv == nil {
		return state
	}

	data, err := s.kv.Get(ctx, consensusKeyPrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("consensus load failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	var loaded domain.ConsensusState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("discarding corrupt consensus record", zap.String("key", key), zap.Error(err))
		return nil
	}
	// Prior pseudo-counts are never removed; repair anything below them.
	if loaded.Alpha < 1 {
		loaded.Alpha = 1
	}
	if loaded.Beta < 1 {
		loaded.Beta = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bySegment[key]; ok {
		merged := mergeStates(existing, &loaded)
		s.bySegment[key] = merged
		return merged
	}
	s.bySegment[key] = &loaded
	return &loaded
}

// mergeStates resolves two racing copies of the same belief. Vote history
// is never silently dropped: the copy with nonzero votes wins, and when
// both carry votes the more recently updated one does.
func mergeStates(a, b *domain.ConsensusState) *domain.ConsensusState {
	switch {
	case a.TotalVotes > 0 && b.TotalVotes == 0:
		return a
	case b.TotalVotes > 0 && a.TotalVotes == 0:
		return b
	case a.LastUpdated.After(b.LastUpdated):
		return a
	default:
		return b
	}
}

// FlushSignal is closed-loop plumbing for the flusher: it fires when a
// vote moved consensus by SignificantDelta or more.
func (s *ConsensusService) FlushSignal() <-chan struct{} {
	return s.flushNow
}

// Flush writes dirty consensus states and reliability profiles to the KV
// store. Failed keys stay dirty and retry next pass; vote acceptance is
// never blocked by storage health.
func (s *ConsensusService) Flush(ctx context.Context) error {
	trackerErr := s.tracker.Flush(ctx)

	if s.kv == nil {
		return trackerErr
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	var failed int
	for _, key := range keys {
		unlock := s.locks.lock(key)
		s.mu.RLock()
		state, ok := s.bySegment[key]
		s.mu.RUnlock()
		if !ok {
			unlock()
			continue
		}
		data, err := json.Marshal(state)
		unlock()
		if err != nil {
			s.logger.Error("marshal consensus state", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := s.kv.Set(ctx, consensusKeyPrefix+key, data); err != nil {
			failed++
			s.mu.Lock()
			s.dirty[key] = struct{}{}
			s.mu.Unlock()
			s.logger.Warn("consensus flush failed", zap.String("key", key), zap.Error(err))
		}
	}

	if len(keys) > 0 {
		s.flushes.Add(1)
	}

	if failed > 0 {
		return fmt.Errorf("flush consensus: %d of %d writes failed", failed, len(keys))
	}
	return trackerErr
}

// ConsensusStats is an observability snapshot of the consensus engine.
type ConsensusStats struct {
	VotesProcessed int64 `json:"votes_processed"`
	SpamFiltered   int64 `json:"spam_filtered"`
	SeedsApplied   int64 `json:"seeds_applied"`
	Flushes        int64 `json:"flushes"`
	TrackedBeliefs int   `json:"tracked_beliefs"`
}

func (s *ConsensusService) Stats() ConsensusStats {
	s.mu.RLock()
	tracked := len(s.bySegment)
	s.mu.RUnlock()

	return ConsensusStats{
		VotesProcessed: s.votesProcessed.Load(),
		SpamFiltered:   s.spamFiltered.Load(),
		SeedsApplied:   s.seedsApplied.Load(),
		Flushes:        s.flushes.Load(),
		TrackedBeliefs: tracked,
	}
}
