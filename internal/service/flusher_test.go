package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/store"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestFlusher_PeriodicFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
	})

	flusher := NewFlusherService(svc, zap.NewNop())
	flusher.SetInterval(10 * time.Millisecond)
	flusher.Start()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := kv.Get(ctx, "consensus:video-1:gore"); err == nil {
			break
		}
		select {
		case <-deadline:
			flusher.Stop()
			t.Fatal("periodic flush never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	flusher.Stop()
}

func TestFlusher_FinalFlushOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	flusher := NewFlusherService(svc, zap.NewNop())
	flusher.SetInterval(time.Hour) // never ticks during the test
	flusher.Start()

	svc.RecordVote(ctx, domain.Vote{
		UserID: uuid.New(), SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
	})
	flusher.Stop()

	if _, err := kv.Get(ctx, "consensus:video-1:gore"); err != nil {
		t.Fatalf("stop did not run a final flush: %v", err)
	}
}

func TestFlusher_SignificantChangeFlushesImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	kv := store.NewMemoryKV()
	svc := newTestConsensus(kv)
	ctx := context.Background()

	flusher := NewFlusherService(svc, zap.NewNop())
	flusher.SetInterval(time.Hour)
	flusher.Start()
	defer flusher.Stop()

	// A first vote from a highly reliable user moves consensus from 0.5
	// to ~0.66, past the significant-change threshold.
	voter := uuid.New()
	seedReliability(t, kv, voter, MaxReliability)
	svc.RecordVote(ctx, domain.Vote{
		UserID: voter, SegmentID: "video-1", Category: "gore", Verdict: domain.VerdictConfirm,
	})

	deadline := time.After(2 * time.Second)
	for {
		if _, err := kv.Get(ctx, "consensus:video-1:gore"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("significant change did not trigger an immediate flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
