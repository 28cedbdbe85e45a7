/*
scheduler.go - Background sweep scheduler

PURPOSE:
  Periodically runs the two time-driven sweeps:
  - overdue sweep: flips pending installments past their due date to overdue
  - expiry sweep: flips pending/sent device commands past their TTL to expired

  Both sweeps are catch-up refreshes of stored status. Correctness never
  depends on them: readers evaluate overdue/expired as pure functions of the
  clock, so a stopped scheduler degrades freshness, not decisions.

CONFIGURATION:
  - CheckInterval: how often to sweep (default: 1 hour)
  - Enabled: whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger.MarkOverdue: the installment sweep
  - enforcement.ExpireSweep: the command sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepScheduler runs the periodic overdue and expiry sweeps.
type SweepScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler over the handler's engines.
func NewSweepScheduler(h *Handler) *SweepScheduler {
	return &SweepScheduler{
		Handler:       h,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Handler.Log.Info("sweep scheduler disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)
	go ss.run()

	ss.Handler.Log.WithField("interval", ss.CheckInterval.String()).Info("sweep scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.Handler.Log.Info("sweep scheduler stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()
	log := ss.Handler.Log

	overdue, err := ss.Handler.Ledger.MarkOverdue(ctx, now)
	if err != nil {
		log.WithError(err).Error("overdue sweep failed")
	} else if overdue > 0 {
		log.WithFields(logrus.Fields{"flipped": overdue}).Info("installments marked overdue")
	}

	expired, err := ss.Handler.Dispatcher.ExpireSweep(ctx)
	if err != nil {
		log.WithError(err).Error("command expiry sweep failed")
	} else if expired > 0 {
		log.WithFields(logrus.Fields{"flipped": expired}).Info("commands expired")
	}
}
