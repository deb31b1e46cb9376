/*
scheduler.go - Background sweeps for time-driven state transitions

PURPOSE:
  Two things only the clock triggers, not a caller: expiring MoneyRequests
  past their deadline (§4.2), and pruning audit entries past the
  retention window (§4.4). Both already have library functions
  (moneyrequest.Service.ExpireDue, audit.Log.CleanupOlderThan) that do the
  actual work transactionally; this just calls them on a ticker.

DESIGN:
  - One goroutine, one ticker, started/stopped explicitly — same shape as
    a request-driven HTTP handler, just with a timer instead of a route.
  - Audit cleanup runs far less often than request expiry (retention is
    measured in years, not days), so it gets its own, longer interval.

USAGE:
  sched := NewScheduler(requestSvc, auditLog, logger)
  sched.Start()
  // ... later
  sched.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/moneyrequest"
)

// Scheduler runs the ExpireDue and audit-retention sweeps on independent
// tickers.
type Scheduler struct {
	Request           *moneyrequest.Service
	Audit             *audit.Log
	ExpiryInterval    time.Duration
	RetentionInterval time.Duration
	Log               zerolog.Logger

	expiryTicker    *time.Ticker
	retentionTicker *time.Ticker
	stop            chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewScheduler builds a Scheduler with fixed intervals: 5 minutes for
// request expiry, 24 hours for audit retention.
func NewScheduler(request *moneyrequest.Service, auditLog *audit.Log, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Request: request, Audit: auditLog,
		ExpiryInterval: 5 * time.Minute, RetentionInterval: 24 * time.Hour,
		Log: log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins both sweeps. Safe to call once; a second call is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.expiryTicker = time.NewTicker(s.ExpiryInterval)
	s.retentionTicker = time.NewTicker(s.RetentionInterval)

	s.wg.Add(2)
	go s.runExpiry()
	go s.runRetention()
	s.Log.Info().Dur("expiry_interval", s.ExpiryInterval).Dur("retention_interval", s.RetentionInterval).Msg("scheduler started")
}

// Stop halts both sweeps and waits for the current tick (if any) to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.expiryTicker.Stop()
	s.retentionTicker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.Log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runExpiry() {
	defer s.wg.Done()
	s.expireDueNow()
	for {
		select {
		case <-s.expiryTicker.C:
			s.expireDueNow()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runRetention() {
	defer s.wg.Done()
	for {
		select {
		case <-s.retentionTicker.C:
			s.cleanupNow()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) expireDueNow() {
	n, err := s.Request.ExpireDue(context.Background())
	if err != nil {
		s.Log.Error().Err(err).Msg("money request expiry sweep failed")
		return
	}
	if n > 0 {
		s.Log.Info().Int("expired", n).Msg("money request expiry sweep completed")
	}
}

func (s *Scheduler) cleanupNow() {
	n, err := s.Audit.CleanupOlderThan(context.Background(), 0)
	if err != nil {
		s.Log.Error().Err(err).Msg("audit retention sweep failed")
		return
	}
	if n > 0 {
		s.Log.Info().Int("deleted", n).Msg("audit retention sweep completed")
	}
}
