package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Runner calls RunAll on a fixed interval until stopped.
type Runner struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(svc *Service, interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		svc:      svc,
		interval: interval,
		logger:   logger.With().Str("service", "reconcile-runner").Logger(),
	}
}

// Start launches the loop. A non-positive interval disables it.
func (r *Runner) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info().Msg("background reconciliation disabled")
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info().Dur("interval", r.interval).Msg("background reconciliation started")
}

// Stop ends the loop and waits for an in-flight pass.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	report, err := r.svc.RunAll(ctx, user.SystemActor)
	switch {
	case errors.Is(err, apperr.ErrOrphanedCheckedOutKey):
		r.logger.Warn().Strs("keys", apperr.IDsOf(err)).Msg("orphaned checked-out keys need manual attention")
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconciliation pass failed")
		}
		return
	}
	if report != nil && report.Repairs() > 0 {
		r.logger.Info().
			Int("expired", len(report.ExpiredReservations)).
			Int("cleared", len(report.ClearedReferences)).
			Int("restored", len(report.RestoredLinks)).
			Int("completed", len(report.CompletedTransactions)).
			Msg("reconciliation pass repaired records")
	}
}
