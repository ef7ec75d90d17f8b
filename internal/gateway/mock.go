package gateway

import (
	"context"
	"sync"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/idgen"
	"github.com/middletrust/escrowd/internal/money"
)

// Mock is an in-memory Gateway for development and tests. Funding
// references are minted locally; MarkPaid flips them to settled so the
// verify path can be exercised without a provider.
type Mock struct {
	mu   sync.Mutex
	paid map[string]bool

	PayoutErr error
}

// NewMock creates a mock gateway with no settled payments.
func NewMock() *Mock {
	return &Mock{paid: make(map[string]bool)}
}

func (m *Mock) InitiateFunding(ctx context.Context, ownerID string, amount money.Amount, transactionID string) (string, string, error) {
	ref := idgen.WithPrefix("mockpay_")
	m.mu.Lock()
	m.paid[ref] = false
	m.mu.Unlock()
	return ref, "https://pay.invalid/checkout/" + ref, nil
}

func (m *Mock) Payout(ctx context.Context, dest escrow.PayoutDetails, amount money.Amount, reason string) (string, error) {
	if m.PayoutErr != nil {
		return "", m.PayoutErr
	}
	return idgen.WithPrefix("mockpo_"), nil
}

func (m *Mock) VerifyTransaction(ctx context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[reference], nil
}

// MarkPaid marks a funding reference as settled.
func (m *Mock) MarkPaid(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid[reference] = true
}
