package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-labs/vigil/internal/domain"
	"go.uber.org/zap"
)

const (
	// MinConfidenceFloor rejects evidence too weak to fuse.
	MinConfidenceFloor = 0.5
	// OutputThreshold is the posterior a fused event must reach to emit.
	OutputThreshold = 0.70

	defaultSessionTTL = 30 * time.Minute
	defaultReaperTick = 5 * time.Minute
)

// fusionSession is the per-playback-session state: the temporal window
// plus the set of consumed dedup buckets. All access goes through mu so
// one record is processed to completion before the next.
type fusionSession struct {
	mu         sync.Mutex
	contentID  string
	window     *TemporalWindow
	emitted    map[string]struct{}
	lastActive time.Time
}

// FusionService combines simultaneous multi-modal detections for active
// playback sessions into deduplicated fused confidence events.
type FusionService struct {
	registry  *NetworkRegistry
	consensus domain.ConsensusReader
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*fusionSession

	sessionTTL time.Duration
	reaperTick time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup

	processed  atomic.Int64
	dropped    atomic.Int64
	belowFloor atomic.Int64
	emitted    atomic.Int64
}

// NewFusionService creates a fusion engine. consensus may be nil; when
// set, segment consensus replaces the baseline prior for sessions that
// declare a content ID.
func NewFusionService(registry *NetworkRegistry, consensus domain.ConsensusReader, logger *zap.Logger) *FusionService {
	return &FusionService{
		registry:   registry,
		consensus:  consensus,
		logger:     logger,
		sessions:   make(map[string]*fusionSession),
		sessionTTL: defaultSessionTTL,
		reaperTick: defaultReaperTick,
		stopCh:     make(chan struct{}),
	}
}

func (s *FusionService) SetSessionTTL(d time.Duration) {
	s.sessionTTL = d
}

// StartSession binds a session to a content ID so consensus priors can be
// looked up. Sessions are otherwise created implicitly on first detection.
func (s *FusionService) StartSession(sessionID, contentID string) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	sess.contentID = contentID
	sess.mu.Unlock()
}

// EndSession drops a session's window and dedup state.
func (s *FusionService) EndSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *FusionService) session(sessionID string) *fusionSession {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess
	}
	sess = &fusionSession{
		window:     NewTemporalWindow(),
		emitted:    make(map[string]struct{}),
		lastActive: time.Now(),
	}
	s.sessions[sessionID] = sess
	return sess
}

// AddDetection runs one evidence record through the pipeline: window
// update, shown-not-told validation, posterior, threshold, dedup. It
// returns the emitted FusionResult or nil when the record is absorbed.
// Malformed input is dropped and logged, never surfaced as an error.
func (s *FusionService) AddDetection(ctx context.Context, sessionID string, ev domain.EvidenceRecord) *domain.FusionResult {
	s.processed.Add(1)

	if ev.Category == "" || !domain.ValidSource(string(ev.Source)) ||
		ev.Confidence < 0 || ev.Confidence > 1 ||
		math.IsNaN(ev.Confidence) || math.IsNaN(ev.Timestamp) || math.IsInf(ev.Timestamp, 0) {
		s.dropped.Add(1)
		s.logger.Warn("dropping malformed evidence",
			zap.String("session_id", sessionID),
			zap.String("category", ev.Category),
			zap.String("source", string(ev.Source)),
			zap.Float64("confidence", ev.Confidence))
		return nil
	}

	if ev.Confidence < MinConfidenceFloor {
		s.belowFloor.Add(1)
		return nil
	}

	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastActive = time.Now()

	ev = sess.window.Ingest(ev)
	related := sess.window.Related(ev)

	adjusted := AdjustConfidence(ev, related)
	if adjusted < MinConfidenceFloor {
		// Penalized record never reaches the network, but it stays in the
		// window where later visual evidence can still corroborate it.
		s.belowFloor.Add(1)
		s.logger.Debug("evidence below floor after validation",
			zap.String("session_id", sessionID),
			zap.String("category", ev.Category),
			zap.Float64("raw", ev.Confidence),
			zap.Float64("adjusted", adjusted))
		return nil
	}
	ev.Confidence = adjusted

	slots := evidenceSlots(ev, related)
	net := s.registry.Resolve(ev.Category)
	prior := s.fusionPrior(ctx, net, ev.Category, sess.contentID)
	posterior := PosteriorWithPrior(net, prior, slots)

	if posterior < OutputThreshold {
		return nil
	}

	dedupKey := fmt.Sprintf("%s@%d", ev.Category, int64(math.Floor(ev.Timestamp)))
	if _, seen := sess.emitted[dedupKey]; seen {
		// First-wins: one continuous event produces one warning.
		return nil
	}
	sess.emitted[dedupKey] = struct{}{}
	s.emitted.Add(1)

	sources := make([]domain.Source, 0, len(slots))
	for src := range slots {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	result := &domain.FusionResult{
		Category:            ev.Category,
		Timestamp:           ev.Timestamp,
		FusedConfidence:     posterior,
		ContributingSources: sources,
		DedupKey:            dedupKey,
	}

	s.logger.Info("fusion emitted",
		zap.String("session_id", sessionID),
		zap.String("dedup_key", dedupKey),
		zap.Float64("confidence", posterior),
		zap.Int("sources", len(sources)))
	return result
}

// fusionPrior returns the baseline prior row, replaced by the community
// consensus when one exists for the session's content segment. Consensus
// is keyed by the evidence category, which differs from net.Category when
// the category resolved through the fallback network.
func (s *FusionService) fusionPrior(ctx context.Context, net *domain.CategoryNetwork, category, contentID string) domain.Prior {
	if s.consensus == nil || contentID == "" {
		return net.Prior
	}
	state, ok := s.consensus.State(ctx, contentID, category)
	if !ok || state.TotalVotes == 0 {
		return net.Prior
	}
	p := state.Probability()
	return domain.Prior{p, 1 - p}
}

// evidenceSlots reduces the new record plus its related set to one slot
// per modality, keeping the highest-confidence record for each.
func evidenceSlots(ev domain.EvidenceRecord, related []domain.EvidenceRecord) map[domain.Source]domain.EvidenceRecord {
	slots := map[domain.Source]domain.EvidenceRecord{ev.Source: ev}
	for _, r := range related {
		if cur, ok := slots[r.Source]; !ok || r.Confidence > cur.Confidence {
			slots[r.Source] = r
		}
	}
	return slots
}

// Start runs the idle-session reaper in a background goroutine.
func (s *FusionService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.reaperTick)
		defer ticker.Stop()

		s.logger.Info("session reaper started", zap.Duration("ttl", s.sessionTTL))

		for {
			select {
			case <-ticker.C:
				s.reap()
			case <-s.stopCh:
				s.logger.Info("session reaper stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the reaper.
func (s *FusionService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *FusionService) reap() {
	cutoff := time.Now().Add(-s.sessionTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			s.logger.Debug("reaped idle session", zap.String("session_id", id))
		}
	}
}

// FusionStats is an observability snapshot of the fusion engine.
type FusionStats struct {
	EvidenceProcessed  int64 `json:"evidence_processed"`
	EvidenceDropped    int64 `json:"evidence_dropped"`
	EvidenceBelowFloor int64 `json:"evidence_below_floor"`
	FusionsEmitted     int64 `json:"fusions_emitted"`
	ActiveSessions     int   `json:"active_sessions"`
}

func (s *FusionService) Stats() FusionStats {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	return FusionStats{
		EvidenceProcessed:  s.processed.Load(),
		EvidenceDropped:    s.dropped.Load(),
		EvidenceBelowFloor: s.belowFloor.Load(),
		FusionsEmitted:     s.emitted.Load(),
		ActiveSessions:     active,
	}
}
