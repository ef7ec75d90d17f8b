package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/money"
)

type flakyGateway struct {
	failures int
	calls    int
	err      error
}

func (f *flakyGateway) InitiateFunding(_ context.Context, _ string, _ money.Amount, _ string) (string, string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", "", f.err
	}
	return "ref_ok", "https://pay.invalid/ok", nil
}

func (f *flakyGateway) Payout(_ context.Context, _ escrow.PayoutDetails, _ money.Amount, _ string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "po_ok", nil
}

func (f *flakyGateway) VerifyTransaction(_ context.Context, _ string) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, f.err
	}
	return true, nil
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	gw := &flakyGateway{failures: 2, err: &Error{Code: "rate_limited", Retryable: true}}
	wrapped := NewWithRetry(gw, 4, time.Millisecond)

	ref, url, err := wrapped.InitiateFunding(context.Background(), "alice", 5000, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "ref_ok", ref)
	assert.NotEmpty(t, url)
	assert.Equal(t, 3, gw.calls)
}

func TestWithRetryStopsOnPermanentFailure(t *testing.T) {
	gw := &flakyGateway{failures: 10, err: &Error{Code: "account_invalid", Retryable: false}}
	wrapped := NewWithRetry(gw, 4, time.Millisecond)

	_, err := wrapped.Payout(context.Background(), escrow.PayoutDetails{BankCode: "058"}, 5000, "escrow txn_1")
	require.Error(t, err)
	assert.Equal(t, 1, gw.calls)

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "account_invalid", ge.Code)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	gw := &flakyGateway{failures: 10, err: &Error{Code: "server_error", Retryable: true}}
	wrapped := NewWithRetry(gw, 3, time.Millisecond)

	_, err := wrapped.VerifyTransaction(context.Background(), "ref_1")
	require.Error(t, err)
	assert.Equal(t, 3, gw.calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&Error{Retryable: true}))
	assert.False(t, IsRetryable(&Error{Retryable: false}))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}

func TestMockGatewayRoundTrip(t *testing.T) {
	m := NewMock()

	ref, url, err := m.InitiateFunding(context.Background(), "alice", 5000, "txn_1")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.NotEmpty(t, url)

	paid, err := m.VerifyTransaction(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, paid)

	m.MarkPaid(ref)
	paid, err = m.VerifyTransaction(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, paid)
}
