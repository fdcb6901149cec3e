package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/store"
	"go.uber.org/zap"
)

func newTestConsensus(kv domain.KV) *ConsensusService {
	logger := zap.NewNop()
	return NewConsensusService(kv, NewReliabilityTracker(kv, logger), logger)
}

func seedReliability(t *testing.T, kv domain.KV, userID uuid.UUID, score float64) {
	t.Helper()
	data, err := json.Marshal(domain.UserReliabilityProfile{
		UserID:     userID,
		Score:      score,
		TotalVotes: 10,
		LastActive: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "reliability:"+userID.String(), data))
}

func TestConsensus_SeedFromAIDetection(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())

	state := svc.Seed(context.Background(), "video-1", "gunshots", 80)
	require.NotNil(t, state)

	// alpha = 1 + 0.8*2, beta = 1 + 0.2*2
	assert.InDelta(t, 2.6, state.Alpha, 1e-9)
	assert.InDelta(t, 1.4, state.Beta, 1e-9)
	assert.InDelta(t, 2.6/4.0, state.Probability(), 1e-9)
}

func TestConsensus_SeedIsIdempotent(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())
	ctx := context.Background()

	svc.Seed(ctx, "video-1", "gunshots", 80)
	svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gunshots", Verdict: domain.VerdictConfirm,
	})

	// Re-seeding must never reset accumulated votes.
	state := svc.Seed(ctx, "video-1", "gunshots", 10)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.TotalVotes)
	assert.InDelta(t, 3.1, state.Alpha, 1e-9)
}

func TestConsensus_VoteFromDefaultUser(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())
	ctx := context.Background()

	svc.Seed(ctx, "video-1", "gunshots", 80)
	state := svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gunshots", Verdict: domain.VerdictConfirm,
	})
	require.NotNil(t, state)

	// A fresh voter carries the 0.5 default reliability.
	assert.InDelta(t, 3.1, state.Alpha, 1e-9)
	assert.InDelta(t, 1.4, state.Beta, 1e-9)
	assert.InDelta(t, 3.1/4.5, state.Probability(), 1e-9)
	assert.Equal(t, 1, state.TotalVotes)
}

func TestConsensus_LazyStateIsUniform(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())

	state := svc.RecordVote(context.Background(), domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictDismiss,
	})
	require.NotNil(t, state)

	// Created from no AI prior: alpha=beta=1, then one 0.5-weight dismiss.
	assert.InDelta(t, 1.0, state.Alpha, 1e-9)
	assert.InDelta(t, 1.5, state.Beta, 1e-9)
}

func TestConsensus_ConfirmVotesConvergeTowardOne(t *testing.T) {
	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	voters := make([]uuid.UUID, 5)
	for i := range voters {
		voters[i] = uuid.New()
		seedReliability(t, kv, voters[i], MaxReliability)
	}

	prev := 0.5
	for round := 0; round < 10; round++ {
		for _, v := range voters {
			state := svc.RecordVote(ctx, domain.Vote{
				UserID: v, SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
			})
			require.NotNil(t, state)
			p := state.Probability()
			assert.Greater(t, p, prev, "confirm vote must strictly raise consensus")
			prev = p
		}
	}
	assert.Greater(t, prev, 0.9)
}

func TestConsensus_DismissVotesConvergeTowardZero(t *testing.T) {
	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	voter := uuid.New()
	seedReliability(t, kv, voter, MaxReliability)

	prev := 1.0
	for i := 0; i < 30; i++ {
		state := svc.RecordVote(ctx, domain.Vote{
			UserID: voter, SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictDismiss,
		})
		require.NotNil(t, state)
		p := state.Probability()
		assert.Less(t, p, prev, "dismiss vote must strictly lower consensus")
		prev = p
	}
	assert.Less(t, prev, 0.1)
}

func TestConsensus_SpamVoteCreatesButNeverFolds(t *testing.T) {
	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	spammer := uuid.New()
	seedReliability(t, kv, spammer, 0.05)

	state := svc.RecordVote(ctx, domain.Vote{
		UserID: spammer, SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
	})
	require.NotNil(t, state, "lookup side must still succeed")

	// State was lazily created with the neutral prior, vote not folded.
	assert.InDelta(t, 1.0, state.Alpha, 1e-9)
	assert.InDelta(t, 1.0, state.Beta, 1e-9)
	assert.Equal(t, 0, state.TotalVotes)
	assert.Equal(t, int64(1), svc.Stats().SpamFiltered)
}

func TestConsensus_MalformedVoteDropped(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())
	ctx := context.Background()

	assert.Nil(t, svc.RecordVote(ctx, domain.Vote{UserID: uuid.New(), SegmentID: "", Category: "gore", Verdict: domain.VerdictConfirm}))
	assert.Nil(t, svc.RecordVote(ctx, domain.Vote{UserID: uuid.New(), SegmentID: "v", Category: "gore", Verdict: "maybe"}))
}

func TestConsensus_FlushAndReload(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	svc := newTestConsensus(kv)
	svc.Seed(ctx, "video-1", "gunshots", 80)
	svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gunshots", Verdict: domain.VerdictConfirm,
	})
	require.NoError(t, svc.Flush(ctx))

	// A fresh engine over the same store sees the persisted belief.
	reloaded := newTestConsensus(kv)
	state, ok := reloaded.State(ctx, "video-1", "gunshots")
	require.True(t, ok)
	assert.InDelta(t, 3.1, state.Alpha, 1e-9)
	assert.Equal(t, 1, state.TotalVotes)
}

func TestConsensus_ResetDeletesEverywhere(t *testing.T) {
	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	svc.Seed(ctx, "video-1", "gunshots", 80)
	require.NoError(t, svc.Flush(ctx))

	svc.Reset(ctx, "video-1", "gunshots")

	if _, ok := svc.State(ctx, "video-1", "gunshots"); ok {
		t.Fatal("state survived reset")
	}
	if _, err := kv.Get(ctx, "consensus:video-1:gunshots"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("durable record survived reset: %v", err)
	}
}

func TestMergeStates_NeverDropsVoteHistory(t *testing.T) {
	now := time.Now().UTC()
	voted := &domain.ConsensusState{Alpha: 3, Beta: 2, TotalVotes: 4, LastUpdated: now.Add(-time.Hour)}
	fresh := &domain.ConsensusState{Alpha: 1, Beta: 1, TotalVotes: 0, LastUpdated: now}

	assert.Same(t, voted, mergeStates(voted, fresh))
	assert.Same(t, voted, mergeStates(fresh, voted))

	newer := &domain.ConsensusState{Alpha: 5, Beta: 2, TotalVotes: 6, LastUpdated: now}
	assert.Same(t, newer, mergeStates(voted, newer))
	assert.Same(t, newer, mergeStates(newer, voted))
}

func TestConsensus_ConcurrentVotesLoseNothing(t *testing.T) {
	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	const voters = 30
	ids := make([]uuid.UUID, voters)
	for i := range ids {
		ids[i] = uuid.New()
		seedReliability(t, kv, ids[i], 0.5)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			svc.RecordVote(ctx, domain.Vote{
				UserID: userID, SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
			})
		}(id)
	}
	wg.Wait()

	state, ok := svc.State(ctx, "video-1", "gore")
	require.True(t, ok)
	assert.Equal(t, voters, state.TotalVotes)
	assert.InDelta(t, 1+0.5*voters, state.Alpha, 1e-9)
}

// flakyKV fails every write while broken, simulating an offline backend.
type flakyKV struct {
	mu     sync.Mutex
	broken bool
	inner  *store.MemoryKV
}

func (f *flakyKV) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyKV) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failing() {
		return nil, errors.New("backend offline")
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failing() {
		return errors.New("backend offline")
	}
	return f.inner.Set(ctx, key, value)
}

func (f *flakyKV) Remove(ctx context.Context, key string) error {
	if f.failing() {
		return errors.New("backend offline")
	}
	return f.inner.Remove(ctx, key)
}

func TestConsensus_StorageOutageDoesNotBlockVotes(t *testing.T) {
	kv := &flakyKV{inner: store.NewMemoryKV(), broken: true}
	svc := newTestConsensus(kv)
	ctx := context.Background()

	state := svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
	})
	require.NotNil(t, state, "vote acceptance must not depend on storage health")
	assert.Equal(t, 1, state.TotalVotes)

	// Flush fails while the backend is down; the key stays dirty.
	require.Error(t, svc.Flush(ctx))

	// Backend recovers: the retried flush lands the same state.
	kv.setBroken(false)
	require.NoError(t, svc.Flush(ctx))

	data, err := kv.Get(ctx, "consensus:video-1:gore")
	require.NoError(t, err)

	var persisted domain.ConsensusState
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, 1, persisted.TotalVotes)
	assert.InDelta(t, state.Alpha, persisted.Alpha, 1e-9)
}

func TestConsensus_AlphaBetaNeverBelowOne(t *testing.T) {
	svc := newTestConsensus(store.NewMemoryKV())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		verdict := domain.VerdictConfirm
		if i%2 == 0 {
			verdict = domain.VerdictDismiss
		}
		state := svc.RecordVote(ctx, domain.Vote{
			UserID: uuid.New(), SegmentID: "video-1", Category: "gore", Verdict: verdict,
		})
		require.NotNil(t, state)
		if state.Alpha < 1 || state.Beta < 1 {
			t.Fatalf("prior pseudo-counts removed: alpha=%.3f beta=%.3f", state.Alpha, state.Beta)
		}
	}
}

func TestConsensus_CorruptRecordRepairedOnLoad(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	data, err := json.Marshal(domain.ConsensusState{
		SegmentID: "video-1", Category: "gore", Alpha: 0.2, Beta: 0.4, TotalVotes: 3, LastUpdated: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "consensus:video-1:gore", data))

	svc := newTestConsensus(kv)
	state, ok := svc.State(ctx, "video-1", "gore")
	require.True(t, ok)
	assert.GreaterOrEqual(t, state.Alpha, 1.0)
	assert.GreaterOrEqual(t, state.Beta, 1.0)
	assert.True(t, math.IsNaN(state.Probability()) == false)
}
