package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/store"
	"go.uber.org/zap"
)

const (
	// LearningRate is the EMA weight given to each new agreement sample.
	LearningRate = 0.1
	// MinReliability and MaxReliability bound every score: a user is never
	// fully trusted and never permanently exiled.
	MinReliability = 0.10
	MaxReliability = 0.95
	// DefaultReliability is the score assumed for first-time voters.
	DefaultReliability = 0.5

	reliabilityKeyPrefix = "reliability:"
)

// ReliabilityTracker maintains the per-user trust scores that weight
// votes in the consensus engine. Profiles live in memory, load lazily
// from the KV store, and flush back through the flusher. Each profile's
// read-modify-write is serialized by a per-user lock.
type ReliabilityTracker struct {
	kv     domain.KV
	logger *zap.Logger

	locks  keyedMutex
	mu     sync.RWMutex
	byUser map[string]*domain.UserReliabilityProfile
	dirty  map[string]struct{}
}

// NewReliabilityTracker creates a tracker. kv may be nil, in which case
// profiles live only in memory.
func NewReliabilityTracker(kv domain.KV, logger *zap.Logger) *ReliabilityTracker {
	return &ReliabilityTracker{
		kv:     kv,
		logger: logger,
		byUser: make(map[string]*domain.UserReliabilityProfile),
		dirty:  make(map[string]struct{}),
	}
}

// Score returns the user's current reliability, defaulting for users
// never seen before. The default is not persisted until a vote lands.
func (t *ReliabilityTracker) Score(ctx context.Context, userID uuid.UUID) float64 {
	if p, ok := t.Profile(ctx, userID); ok {
		return p.Score
	}
	return DefaultReliability
}

// Profile returns a snapshot of the user's profile if one exists.
func (t *ReliabilityTracker) Profile(ctx context.Context, userID uuid.UUID) (*domain.UserReliabilityProfile, bool) {
	key := userID.String()
	unlock := t.locks.lock(key)
	defer unlock()

	p := t.load(ctx, key)
	if p == nil {
		return nil, false
	}
	snapshot := *p
	return &snapshot, true
}

// RecordAgreement folds one vote's agreement with the post-update
// consensus into the user's score via EMA and returns the new score.
// agreementStrength is 1 at perfect match with consensus, 0 at total
// disagreement.
func (t *ReliabilityTracker) RecordAgreement(ctx context.Context, userID uuid.UUID, verdict domain.Verdict, consensusProbability float64) float64 {
	key := userID.String()
	unlock := t.locks.lock(key)
	defer unlock()

	p := t.load(ctx, key)
	if p == nil {
		p = &domain.UserReliabilityProfile{
			UserID: userID,
			Score:  DefaultReliability,
		}
		t.mu.Lock()
		t.byUser[key] = p
		t.mu.Unlock()
	}

	binary := 0.0
	if verdict == domain.VerdictConfirm {
		binary = 1.0
	}
	strength := 1 - math.Abs(binary-consensusProbability)

	p.Score = clampReliability((1-LearningRate)*p.Score + LearningRate*strength)
	p.TotalVotes++
	if strength > 0.5 {
		p.Agreements++
	}
	p.LastActive = time.Now().UTC()

	t.mu.Lock()
	t.dirty[key] = struct{}{}
	t.mu.Unlock()

	return p.Score
}

// load returns the in-memory profile for key, falling back to the KV
// store on a miss. Caller must hold the per-user lock.
func (t *ReliabilityTracker) load(ctx context.Context, key string) *domain.UserReliabilityProfile {
	t.mu.RLock()
	p, ok := t.byUser[key]
	t.mu.RUnlock()
	if ok {
		return p
	}
	if t.kv == nil {
		return nil
	}

	data, err := t.kv.Get(ctx, reliabilityKeyPrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("reliability load failed", zap.String("user_id", key), zap.Error(err))
		}
		return nil
	}

	var loaded domain.UserReliabilityProfile
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.logger.Warn("discarding corrupt reliability record", zap.String("user_id", key), zap.Error(err))
		return nil
	}

	t.mu.Lock()
	t.byUser[key] = &loaded
	t.mu.Unlock()
	return &loaded
}

// Flush writes dirty profiles to the KV store. Keys that fail stay dirty
// for the next pass.
func (t *ReliabilityTracker) Flush(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}

	t.mu.Lock()
	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	var failed int
	for _, key := range keys {
		unlock := t.locks.lock(key)
		t.mu.RLock()
		p, ok := t.byUser[key]
		t.mu.RUnlock()
		if !ok {
			unlock()
			continue
		}
		data, err := json.Marshal(p)
		unlock()
		if err != nil {
			t.logger.Error("marshal reliability profile", zap.String("user_id", key), zap.Error(err))
			continue
		}
		if err := t.kv.Set(ctx, reliabilityKeyPrefix+key, data); err != nil {
			failed++
			t.mu.Lock()
			t.dirty[key] = struct{}{}
			t.mu.Unlock()
			t.logger.Warn("reliability flush failed", zap.String("user_id", key), zap.Error(err))
		}
	}

	if failed > 0 {
		return fmt.Errorf("flush reliability: %d of %d writes failed", failed, len(keys))
	}
	return nil
}

func clampReliability(score float64) float64 {
	if score < MinReliability {
		return MinReliability
	}
	if score > MaxReliability {
		return MaxReliability
	}
	return score
}
