/*
scheduler.go - Periodic balance verification

PURPOSE:
  Every client's fiado must equal the sum of its open sales. The
  orchestrator keeps that true on every write; this scheduler checks it
  independently on a timer and logs any client whose stored balance
  drifted, so a bug or a manual database edit is noticed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Read-only: drift is reported, never corrected automatically
  - Keeps the last run's result for the conferencia endpoint and tests

USAGE:
  scheduler := NewBalanceAuditScheduler(reporter, logger)
  scheduler.CheckInterval = cfg.AuditInterval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/report.go: VerifyBalances
  - handlers.go: GetConferencia (on-demand verification)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/fiado-engine/ledger"
)

// BalanceVerifier is implemented by *ledger.Reporter.
type BalanceVerifier interface {
	VerifyBalances(ctx context.Context) ([]ledger.BalanceDrift, error)
}

// AuditRun is the outcome of one verification pass.
type AuditRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Drifts    []ledger.BalanceDrift
	Err       error
}

// BalanceAuditScheduler runs balance verification on a ticker.
type BalanceAuditScheduler struct {
	Verifier      BalanceVerifier
	CheckInterval time.Duration
	Timeout       time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	lastRun *AuditRun
}

// NewBalanceAuditScheduler creates a new scheduler.
func NewBalanceAuditScheduler(verifier BalanceVerifier, logger zerolog.Logger) *BalanceAuditScheduler {
	return &BalanceAuditScheduler{
		Verifier:      verifier,
		CheckInterval: 1 * time.Hour,
		Timeout:       30 * time.Second,
		Enabled:       true,
		log:           logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. A zero interval disables it.
func (s *BalanceAuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info().Msg("balance audit disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	// A stopped scheduler may be started again; each run gets its own channel.
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan bool)
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.CheckInterval).Msg("balance audit started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *BalanceAuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info().Msg("balance audit stopped")
	}
}

func (s *BalanceAuditScheduler) run(ticker *time.Ticker, stop <-chan bool) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single verification pass and records its result.
func (s *BalanceAuditScheduler) RunOnce(ctx context.Context) AuditRun {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	run := AuditRun{StartedAt: time.Now()}
	run.Drifts, run.Err = s.Verifier.VerifyBalances(ctx)
	run.Duration = time.Since(run.StartedAt)

	switch {
	case run.Err != nil:
		s.log.Error().Err(run.Err).Msg("balance audit failed")
	case len(run.Drifts) > 0:
		for _, d := range run.Drifts {
			s.log.Warn().
				Int64("cliente_id", int64(d.ClienteID)).
				Str("nome", d.Nome).
				Str("registrado", d.Recorded.String()).
				Str("esperado", d.Expected.String()).
				Str("diferenca", d.Difference().String()).
				Msg("fiado drift detected")
		}
		s.log.Warn().Int("clientes", len(run.Drifts)).Dur("duration", run.Duration).Msg("balance audit completed with drift")
	default:
		s.log.Debug().Dur("duration", run.Duration).Msg("balance audit clean")
	}

	s.lastMu.Lock()
	s.lastRun = &run
	s.lastMu.Unlock()
	return run
}

// LastRun returns the most recent pass, or nil before the first one.
func (s *BalanceAuditScheduler) LastRun() *AuditRun {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}
