// Package wallet tracks per-user balances on the platform.
//
// Flow:
//  1. A user funds their wallet through the payment gateway (credit)
//  2. Funding an escrow transaction debits the payer's wallet
//  3. Dual confirmation credits the payee's wallet (payout)
//  4. Cancellation credits the payer's wallet back (refund)
//
// Every balance-affecting event is an immutable ledger entry carrying a
// unique idempotency reference. The wallet balance is always the sum of
// completed entry effects; the stores enforce this atomically.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/metrics"
	"github.com/middletrust/escrowd/internal/money"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("reference already applied")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// EntryType classifies the direction of a ledger entry.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
)

// EntryStatus tracks the settlement state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Entry is an immutable record of a single balance-affecting event.
type Entry struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"ownerId"`
	Type          EntryType    `json:"type"`
	Amount        money.Amount `json:"amount"`
	Reference     string       `json:"reference"`
	Status        EntryStatus  `json:"status"`
	Purpose       string       `json:"purpose,omitempty"`
	TransactionID string       `json:"transactionId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Effect returns the signed balance impact of the entry.
func (e *Entry) Effect() money.Amount {
	if e.Status != EntryCompleted {
		return 0
	}
	if e.Type == EntryWithdrawal {
		return -e.Amount
	}
	return e.Amount
}

// Wallet is a user's balance snapshot. Wallets are provisioned lazily on
// first use and never deleted.
type Wallet struct {
	OwnerID        string       `json:"ownerId"`
	Balance        money.Amount `json:"balance"`
	TotalDeposits  money.Amount `json:"totalDeposits"`
	Currency       string       `json:"currency"`
	VirtualAccount string       `json:"virtualAccount,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Metadata carries the free-form context attached to a ledger entry.
type Metadata struct {
	Purpose       string
	TransactionID string
}

// Store persists wallets and ledger entries. Implementations must make
// each Credit/Debit call atomic: the entry append and the balance change
// both happen or neither does, and the (owner, reference) pair is unique.
type Store interface {
	Get(ctx context.Context, ownerID string) (*Wallet, error)
	Credit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error)
	Debit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error)
	History(ctx context.Context, ownerID string, limit int) ([]*Entry, error)
	FindByReference(ctx context.Context, ownerID, reference string) (*Entry, error)
}

// Event describes a completed ledger mutation, exposed for collaborators
// (realtime feed, notification dispatch). Delivery is out of scope here.
type Event struct {
	OwnerID   string       `json:"ownerId"`
	Type      EntryType    `json:"type"`
	Amount    money.Amount `json:"amount"`
	Reference string       `json:"reference"`
	Balance   money.Amount `json:"balance"`
	At        time.Time    `json:"at"`
}

// Notifier receives ledger events. Implementations must not block.
type Notifier interface {
	LedgerEvent(evt Event)
}

// Service is the wallet ledger entry point.
type Service struct {
	store    Store
	currency string
	notify   Notifier
}

// NewService creates a wallet service.
func NewService(store Store, currency string) *Service {
	return &Service{store: store, currency: currency}
}

// WithNotifier attaches a ledger event collaborator.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// Balance returns a point-in-time wallet snapshot reflecting only
// completed entries. Unknown owners get a zero wallet.
func (s *Service) Balance(ctx context.Context, ownerID string) (*Wallet, error) {
	w, err := s.store.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if w.Currency == "" {
		w.Currency = s.currency
	}
	return w, nil
}

// Credit atomically appends a completed deposit entry and increases the
// balance. A reference that already exists on the wallet fails with
// ErrDuplicateReference; callers applying a retried gateway webhook treat
// that as "already applied", not as failure.
func (s *Service) Credit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	if !amount.Positive() {
		return nil, ErrInvalidAmount
	}
	entry, err := s.store.Credit(ctx, ownerID, amount, reference, meta)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			metrics.DuplicateReferencesTotal.Inc()
		}
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryDeposit)).Inc()
	s.emit(ctx, ownerID, entry)
	return entry, nil
}

// Debit atomically appends a completed withdrawal entry and decreases the
// balance. Fails with ErrInsufficientFunds when the balance cannot cover
// the amount, and with ErrDuplicateReference when the reference was
// already applied (the existing entry is retrievable via FindByReference).
func (s *Service) Debit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	if !amount.Positive() {
		return nil, ErrInvalidAmount
	}
	entry, err := s.store.Debit(ctx, ownerID, amount, reference, meta)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			metrics.DuplicateReferencesTotal.Inc()
		}
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryWithdrawal)).Inc()
	s.emit(ctx, ownerID, entry)
	return entry, nil
}

// History returns the most recent ledger entries for a wallet.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, ownerID, limit)
}

// HasReference reports whether a reference was already applied to a wallet.
func (s *Service) HasReference(ctx context.Context, ownerID, reference string) (bool, error) {
	entry, err := s.store.FindByReference(ctx, ownerID, reference)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (s *Service) emit(ctx context.Context, ownerID string, entry *Entry) {
	if s.notify == nil {
		return
	}
	w, err := s.store.Get(ctx, ownerID)
	if err != nil {
		logging.L(ctx).Warn("failed to read balance for ledger event",
			"owner", ownerID, "error", err)
		return
	}
	s.notify.LedgerEvent(Event{
		OwnerID:   ownerID,
		Type:      entry.Type,
		Amount:    entry.Amount,
		Reference: entry.Reference,
		Balance:   w.Balance,
		At:        entry.CreatedAt,
	})
}
