// Package sweeper periodically re-verifies every chain in the ledger so that
// tampering is noticed without waiting for a client to ask.
package sweeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

// Config holds sweep configuration.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Ledger is the subset of *ledger.Ledger the sweeper reads.
type Ledger interface {
	Chains(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, chainID string) (*ledger.Result, error)
}

// AlertFunc is called once when a chain transitions from verified to failed.
type AlertFunc func(ctx context.Context, res *ledger.Result)

// MetricsRecordFunc is an optional callback for every verification result.
type MetricsRecordFunc func(res *ledger.Result)

// Report summarises one sweep.
type Report struct {
	Checked  int
	Failed   []string
	Errored  []string
	Duration time.Duration
}

// Sweeper runs periodic chain verification.
type Sweeper struct {
	ledger    Ledger
	cfg       Config
	mu        sync.Mutex
	failing   map[string]bool
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Sweeper.
func New(l Ledger, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout == 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval - cfg.Interval/10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{
		ledger:  l,
		cfg:     cfg,
		failing: make(map[string]bool),
		logger:  logger,
	}
}

// SetAlert configures the alert callback.
func (s *Sweeper) SetAlert(fn AlertFunc) {
	s.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (s *Sweeper) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			s.SweepAll(sweepCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// SweepAll verifies every chain with bounded concurrency.
func (s *Sweeper) SweepAll(ctx context.Context) Report {
	start := time.Now()
	ids, err := s.ledger.Chains(ctx)
	if err != nil {
		s.logger.Error("sweeper: list chains", zap.Error(err))
		return Report{Duration: time.Since(start)}
	}

	var (
		report Report
		repMu  sync.Mutex
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.cfg.Concurrency)

	for _, id := range ids {
		wg.Add(1)
		go func(chainID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := s.ledger.Verify(ctx, chainID)
			repMu.Lock()
			defer repMu.Unlock()
			if err != nil {
				s.logger.Warn("sweeper: verify", zap.String("chain_id", chainID), zap.Error(err))
				report.Errored = append(report.Errored, chainID)
				return
			}
			report.Checked++
			if !res.Verified {
				report.Failed = append(report.Failed, chainID)
			}
			s.observe(ctx, res)
		}(id)
	}
	wg.Wait()

	sort.Strings(report.Failed)
	sort.Strings(report.Errored)
	report.Duration = time.Since(start)

	s.logger.Info("sweeper: pass complete",
		zap.Int("chains", report.Checked),
		zap.Int("failed", len(report.Failed)),
		zap.Int("errored", len(report.Errored)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// observe records res and fires the alert on a verified → failed transition.
func (s *Sweeper) observe(ctx context.Context, res *ledger.Result) {
	if s.onMetrics != nil {
		s.onMetrics(res)
	}

	s.mu.Lock()
	wasFailing := s.failing[res.ChainID]
	s.failing[res.ChainID] = !res.Verified
	s.mu.Unlock()

	switch {
	case !res.Verified && !wasFailing:
		s.logger.Error("sweeper: chain integrity lost",
			zap.String("chain_id", res.ChainID),
			zap.String("reason", string(res.Failure.Reason)),
			zap.String("error", res.Error),
		)
		if s.onAlert != nil {
			s.onAlert(ctx, res)
		}
	case res.Verified && wasFailing:
		s.logger.Info("sweeper: chain verifies again", zap.String("chain_id", res.ChainID))
	}
}

// Failing returns the chains whose most recent sweep failed.
func (s *Sweeper) Failing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, failed := range s.failing {
		if failed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
