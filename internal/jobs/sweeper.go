// Package jobs runs periodic background maintenance.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepTimeout = 30 * time.Second

// Reaper removes expired state and reports how many items it removed.
type Reaper interface {
	ReapExpired(ctx context.Context) (int64, error)
}

// Sweeper calls a Reaper once on start and then every interval. A failed
// pass is logged and the next tick tries again.
type Sweeper struct {
	name     string
	reaper   Reaper
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(name string, reaper Reaper, interval time.Duration) *Sweeper {
	return &Sweeper{name: name, reaper: reaper, interval: interval}
}

// Start launches the sweep loop. It ends when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	log.Info().Str("job", s.name).Dur("interval", s.interval).Msg("sweeper started")
}

// Stop cancels the loop and waits for an in-flight pass to finish. It is
// safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer log.Info().Str("job", s.name).Msg("sweeper stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.reaper.ReapExpired(ctx)
	switch {
	case err != nil:
		log.Error().Err(err).Str("job", s.name).Msg("sweep failed")
	case n > 0:
		log.Info().Str("job", s.name).Int64("count", n).Msg("sweep removed expired items")
	}
}
