package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 30 * time.Second
	flushTimeout         = 15 * time.Second
)

// FlusherService periodically writes the consensus engine's dirty state
// to the durable store. A significant single-vote consensus move flushes
// immediately through the engine's signal channel. Flush failures are
// logged and retried on the next tick; the engine keeps serving votes
// from memory regardless of storage health.
type FlusherService struct {
	consensus *ConsensusService
	logger    *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewFlusherService(consensus *ConsensusService, logger *zap.Logger) *FlusherService {
	return &FlusherService{
		consensus: consensus,
		logger:    logger,
		interval:  defaultFlushInterval,
		stopCh:    make(chan struct{}),
	}
}

func (s *FlusherService) SetInterval(d time.Duration) {
	s.interval = d
}

// Start runs the flusher on a periodic schedule in a background goroutine.
func (s *FlusherService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("durability flusher started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				s.run()
			case <-s.consensus.FlushSignal():
				s.run()
			case <-s.stopCh:
				// Final flush so a clean shutdown loses nothing.
				s.run()
				s.logger.Info("durability flusher stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the flusher after a final flush.
func (s *FlusherService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *FlusherService) run() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.consensus.Flush(ctx); err != nil {
		s.logger.Warn("flush incomplete, will retry", zap.Error(err))
	}
}
