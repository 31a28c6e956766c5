// Package scheduler drives all auction state transitions from a single
// periodic tick: settling ended rounds, opening new ones, and running
// proxy bidding over active rounds.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/10log10/tinylvt-sub001/internal/auction"
	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// Scheduler scans for due work on a fixed interval. Multiple replicas may
// tick concurrently; advisory locks in the store keep them off each other's
// auctions, though normally leader election ensures only one runs.
type Scheduler struct {
	repos    *store.Repositories
	engine   *auction.Engine
	clk      clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	interval time.Duration
}

// New returns a Scheduler ticking at the given interval.
func New(repos *store.Repositories, engine *auction.Engine, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider, interval time.Duration) *Scheduler {
	return &Scheduler{
		repos:    repos,
		engine:   engine,
		clk:      clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/10log10/tinylvt-sub001/internal/scheduler"),
		interval: interval,
	}
}

// Run ticks until the context is canceled. Tick failures are logged and
// the loop keeps going; state is re-derived from the database each tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick processes every due auction, then runs proxy bidding for every
// active round needing it. Idempotent; tests call it synchronously after
// advancing a mock clock.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	for {
		processed, err := s.processNextAuction(ctx)
		if err != nil {
			return err
		}
		if !processed {
			break
		}
	}

	for {
		processed, err := s.processNextProxyRound(ctx)
		if err != nil {
			return err
		}
		if !processed {
			break
		}
	}
	return nil
}

// processNextAuction claims one due auction under an advisory lock and
// processes it in its own transaction. A processing failure is recorded
// on the auction for backoff and does not fail the tick; the claim
// transaction only fails on infrastructure errors.
func (s *Scheduler) processNextAuction(ctx context.Context) (bool, error) {
	processed := false
	err := s.repos.InTx(ctx, func(coord *store.Repositories) error {
		a, err := coord.Auctions.LockNextDue(ctx)
		if err != nil {
			return err
		}
		if a == nil {
			return nil
		}
		processed = true

		// The advisory lock held by this transaction keeps other
		// schedulers off the auction while it processes in a separate
		// transaction, so failure bookkeeping survives the rollback.
		if procErr := s.engine.ProcessAuction(ctx, a.ID); procErr != nil {
			s.logger.ErrorContext(ctx, "auction processing failed",
				slog.String("auction_id", a.ID.String()),
				slog.Int("failure_count", a.SchedulerFailureCount+1),
				slog.Any("error", procErr),
			)
			if err := s.repos.Auctions.RecordFailure(ctx, a.ID); err != nil {
				s.logger.ErrorContext(ctx, "recording auction failure",
					slog.String("auction_id", a.ID.String()),
					slog.Any("error", err),
				)
			}
			return nil
		}

		if a.SchedulerFailureCount > 0 {
			if err := s.repos.Auctions.ClearFailures(ctx, a.ID); err != nil {
				s.logger.ErrorContext(ctx, "clearing auction failures",
					slog.String("auction_id", a.ID.String()),
					slog.Any("error", err),
				)
			}
		}
		return nil
	})
	return processed, err
}

// processNextProxyRound claims one active round whose proxy bids need
// (re)computing and runs the proxy pass. Partial failures mark the round
// failed so it retries with backoff; success stamps it processed.
func (s *Scheduler) processNextProxyRound(ctx context.Context) (bool, error) {
	processed := false
	err := s.repos.InTx(ctx, func(coord *store.Repositories) error {
		round, err := coord.Proxy.LockNextDueRound(ctx)
		if err != nil {
			return err
		}
		if round == nil {
			return nil
		}
		processed = true

		if runErr := s.engine.RunProxyRound(ctx, round); runErr != nil {
			s.logger.ErrorContext(ctx, "proxy bidding pass failed",
				slog.String("round_id", round.ID.String()),
				slog.Any("error", runErr),
			)
			if err := s.repos.Proxy.RecordRoundFailure(ctx, round.ID); err != nil {
				s.logger.ErrorContext(ctx, "recording proxy failure",
					slog.String("round_id", round.ID.String()),
					slog.Any("error", err),
				)
			}
			return nil
		}

		if err := s.repos.Proxy.MarkRoundProcessed(ctx, round.ID, s.clk.Now()); err != nil {
			s.logger.ErrorContext(ctx, "marking proxy round processed",
				slog.String("round_id", round.ID.String()),
				slog.Any("error", err),
			)
		}
		return nil
	})
	return processed, err
}
