// ABOUTME: Marks member locations inactive once they go quiet
// ABOUTME: Runs a periodic sweep on the loop; a fresh fix makes the member active again
package livesync

import (
	"context"
	"sync"
	"time"

	"github.com/harperreed/fieldsync/models"
)

// StalenessSweeper flips MemberLocation.IsActive to false after StaleAfter without updates.
type StalenessSweeper struct {
	loop       *Loop
	store      *Store[models.MemberLocation]
	staleAfter time.Duration
	interval   time.Duration
	opts       options

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStalenessSweeper creates a sweeper. A zero staleAfter disables sweeping.
func NewStalenessSweeper(loop *Loop, store *Store[models.MemberLocation], staleAfter, interval time.Duration, opts ...Option) *StalenessSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &StalenessSweeper{
		loop:       loop,
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		opts:       buildOptions("sweeper", opts),
	}
}

func (s *StalenessSweeper) Enabled() bool {
	return s.staleAfter > 0
}

// Start begins periodic sweeps until Stop.
func (s *StalenessSweeper) Start() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.opts.logger.Warn("sweep failed", "err", err)
				}
			}
		}
	}()
}

func (s *StalenessSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Sweep marks stale members inactive and returns how many changed.
func (s *StalenessSweeper) Sweep(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	// the closure may still run after Do gives up on ctx, so it reports over a channel
	result := make(chan int, 1)
	err := s.loop.Do(ctx, func() {
		cutoff := s.opts.now().Add(-s.staleAfter)
		changed := 0
		for _, m := range s.store.Snapshot() {
			if !m.IsActive || m.LastUpdateTime.After(cutoff) {
				continue
			}
			s.store.Update(m.UserID, func(current models.MemberLocation) models.MemberLocation {
				current.IsActive = false
				return current
			})
			changed++
		}
		result <- changed
	})
	if err != nil {
		return 0, err
	}
	changed := <-result
	if changed > 0 {
		s.opts.logger.Debug("marked members inactive", "count", changed)
	}
	return changed, nil
}
