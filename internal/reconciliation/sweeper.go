// Package reconciliation runs the background sweep that keeps wallet
// and transaction state consistent with reality: stale pending
// transactions get cancelled, and funded gateway payments whose webhook
// never arrived get re-queried and applied.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/metrics"
)

const sweepBatch = 100

// EscrowService is the slice of the escrow service the sweeper drives.
// Both paths reuse the service's own operations, so every invariant the
// API enforces holds for sweep actions too.
type EscrowService interface {
	Cancel(ctx context.Context, id, userID string) (*escrow.Transaction, error)
	CompleteExternalFunding(ctx context.Context, reference string) (*escrow.Transaction, bool, error)
}

// Verifier re-queries the payment provider for a funding outcome.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (bool, error)
}

// Sweeper periodically reconciles transactions against their deadlines
// and the payment provider.
type Sweeper struct {
	service  EscrowService
	store    escrow.Store
	verifier Verifier

	interval       time.Duration
	pendingTimeout time.Duration
	graceWindow    time.Duration

	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewSweeper creates a reconciliation sweeper. pendingTimeout is how long
// an unfunded transaction may sit before auto-cancel; graceWindow is the
// slack added on top so in-flight payments are not cancelled from under
// a slow gateway.
func NewSweeper(service EscrowService, store escrow.Store, verifier Verifier,
	interval, pendingTimeout, graceWindow time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:        service,
		store:          store,
		verifier:       verifier,
		interval:       interval,
		pendingTimeout: pendingTimeout,
		graceWindow:    graceWindow,
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one reconciliation pass. Exported so operators can trigger
// it out of band.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	s.recoverMissedPayments(ctx, now)
	s.cancelStalePending(ctx, now)
}

// recoverMissedPayments re-queries the provider for transactions that
// initiated gateway funding but never saw a webhook. This runs before
// the stale-pending pass so a payment that actually settled is applied
// rather than cancelled.
func (s *Sweeper) recoverMissedPayments(ctx context.Context, now time.Time) {
	if s.verifier == nil {
		return
	}

	cutoff := now.Add(-s.graceWindow)
	awaiting, err := s.store.ListAwaitingExternal(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Warn("failed to list transactions awaiting gateway confirmation", "error", err)
		return
	}

	for _, tx := range awaiting {
		paid, err := s.verifier.VerifyTransaction(ctx, tx.ExternalRef)
		if err != nil {
			s.logger.Warn("gateway verification failed, will retry next sweep",
				"transaction", tx.ID, "reference", tx.ExternalRef, "error", err)
			metrics.SweepActionsTotal.WithLabelValues("error").Inc()
			continue
		}
		if !paid {
			continue
		}

		_, applied, err := s.service.CompleteExternalFunding(ctx, tx.ExternalRef)
		if err != nil {
			s.logger.Warn("failed to apply verified payment",
				"transaction", tx.ID, "reference", tx.ExternalRef, "error", err)
			metrics.SweepActionsTotal.WithLabelValues("error").Inc()
			continue
		}
		if applied {
			metrics.SweepActionsTotal.WithLabelValues("recovered").Inc()
			s.logger.Info("recovered missed gateway payment",
				"transaction", tx.ID, "reference", tx.ExternalRef)
		}
	}
}

// cancelStalePending cancels unfunded transactions past the pending
// timeout plus grace window, through the regular cancel path with the
// system identity.
func (s *Sweeper) cancelStalePending(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.pendingTimeout - s.graceWindow)
	stale, err := s.store.ListStalePending(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Warn("failed to list stale pending transactions", "error", err)
		return
	}

	for _, tx := range stale {
		_, err := s.service.Cancel(ctx, tx.ID, escrow.SystemActor)
		if err != nil {
			// A race with a user action (fund, cancel) is expected and fine.
			s.logger.Debug("stale cancel skipped", "transaction", tx.ID, "error", err)
			continue
		}
		metrics.SweepActionsTotal.WithLabelValues("cancelled").Inc()
		s.logger.Info("auto-cancelled stale transaction",
			"transaction", tx.ID, "creator", tx.CreatorID, "amount", tx.Amount.Format())
	}
}
