// Package gateway adapts external payment providers to the escrow
// service. The adapter owns provider-specific error translation and the
// at-least-once webhook contract; everything money-related stays in the
// wallet and escrow packages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/metrics"
	"github.com/middletrust/escrowd/internal/money"
	"github.com/middletrust/escrowd/internal/retry"
)

// Gateway is the payment provider boundary. InitiateFunding and Payout
// satisfy the escrow service's FundingInitiator and PayoutExecutor
// collaborator interfaces directly.
type Gateway interface {
	// InitiateFunding starts a hosted payment flow for the given amount
	// and returns the provider reference plus the URL the payer is sent to.
	InitiateFunding(ctx context.Context, ownerID string, amount money.Amount, transactionID string) (reference, redirectURL string, err error)
	// Payout transfers settled funds to the payee's bank account.
	Payout(ctx context.Context, dest escrow.PayoutDetails, amount money.Amount, reason string) (string, error)
	// VerifyTransaction re-queries the provider for the payment outcome.
	// Used by the reconciliation sweep when a webhook went missing.
	VerifyTransaction(ctx context.Context, reference string) (bool, error)
}

// Error is a provider failure with the provider's own code attached.
// Retryable failures (timeouts, 5xx, rate limits) are worth repeating;
// the rest (declined, invalid account) are not.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is a gateway error worth retrying.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	// Unknown failure modes (network, serialization) default to retryable.
	return true
}

// WithRetry wraps a gateway so every call retries transient failures
// with backoff. Non-retryable provider errors fail immediately.
type WithRetry struct {
	gw          Gateway
	maxAttempts int
	baseDelay   time.Duration
}

// NewWithRetry wraps gw with the given retry policy.
func NewWithRetry(gw Gateway, maxAttempts int, baseDelay time.Duration) *WithRetry {
	return &WithRetry{gw: gw, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (r *WithRetry) do(ctx context.Context, operation string, fn func() error) error {
	timer := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(timer).Seconds())
	}()
	return retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		err := fn()
		if err != nil && !IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *WithRetry) InitiateFunding(ctx context.Context, ownerID string, amount money.Amount, transactionID string) (string, string, error) {
	var reference, redirectURL string
	err := r.do(ctx, "initiate_funding", func() error {
		var err error
		reference, redirectURL, err = r.gw.InitiateFunding(ctx, ownerID, amount, transactionID)
		return err
	})
	return reference, redirectURL, err
}

func (r *WithRetry) Payout(ctx context.Context, dest escrow.PayoutDetails, amount money.Amount, reason string) (string, error) {
	var ref string
	err := r.do(ctx, "payout", func() error {
		var err error
		ref, err = r.gw.Payout(ctx, dest, amount, reason)
		return err
	})
	return ref, err
}

func (r *WithRetry) VerifyTransaction(ctx context.Context, reference string) (bool, error) {
	var paid bool
	err := r.do(ctx, "verify", func() error {
		var err error
		paid, err = r.gw.VerifyTransaction(ctx, reference)
		return err
	})
	return paid, err
}
