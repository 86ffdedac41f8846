package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often expired refresh tokens are purged.
const DefaultSweepInterval = time.Hour

// Sweeper deletes expired refresh tokens.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// TokenSweeper runs the refresh token sweep in the background: once at start
// and then on every tick. A tick that fires while a sweep is still running
// is skipped.
type TokenSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	running  atomic.Bool
	sweeps   sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTokenSweeper(sweeper Sweeper, interval time.Duration) *TokenSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &TokenSweeper{sweeper: sweeper, interval: interval}
}

// Start launches the background worker. Calling Start twice is a no-op.
func (s *TokenSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	log.Info().Dur("interval", s.interval).Msg("Refresh token sweeper started")
}

// Stop cancels the worker and waits for an in-progress sweep to return.
func (s *TokenSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.sweeps.Wait()
	log.Info().Msg("Refresh token sweeper stopped")
}

func (s *TokenSweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweeps.Add(1)
			go func() {
				defer s.sweeps.Done()
				s.RunOnce(ctx)
			}()
		}
	}
}

// RunOnce performs a sweep unless one is already running. It reports
// whether a sweep was performed.
func (s *TokenSweeper) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Refresh token sweep still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Refresh token sweep failed")
		return true
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Expired refresh tokens removed")
	}
	return true
}
