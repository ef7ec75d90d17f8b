// Package escrow implements the two-party escrow transaction state machine.
//
// Flow:
//  1. Creator opens a transaction as payer or payee
//  2. Counterpart joins with the complementary role
//  3. Payer funds it: wallet debit, funds locked against the transaction
//  4. Both parties confirm: locked funds credited to the payee, terminal
//  5. Cancellation before funding is free; after funding it refunds the lock
//
// Every mutation runs under a per-transaction mutex plus an optimistic
// version compare-and-swap in the store, so concurrent confirms, cancels
// and webhook deliveries cannot double-release or double-refund. Ledger
// legs carry idempotency references (FUND-, PAYOUT-, REFUND-{id}) which
// make every leg replay-safe on retry or redelivery.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/middletrust/escrowd/internal/idgen"
	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/metrics"
	"github.com/middletrust/escrowd/internal/money"
	"github.com/middletrust/escrowd/internal/retry"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidRole      = errors.New("invalid role")
	ErrSelfJoin         = errors.New("creator cannot join their own transaction")
	ErrAlreadyJoined    = errors.New("transaction already has a participant")
	ErrNotJoinable      = errors.New("transaction is not joinable")
	ErrUnauthorized     = errors.New("not authorized for this transaction operation")
	ErrAlreadyFunded    = errors.New("transaction already funded")
	ErrNotPending       = errors.New("transaction is not pending")
	ErrWrongAmount      = errors.New("amount does not match the transaction")
	ErrNotFunded        = errors.New("transaction is not funded")
	ErrAlreadyConfirmed = errors.New("party already confirmed")
	ErrDisputeOpen      = errors.New("transaction has an open dispute")
	ErrNotCancellable   = errors.New("transaction is not cancellable")
	ErrNoPayer          = errors.New("payer is not known yet")

	// ErrVersionConflict is returned by stores when an optimistic update
	// lost the race. The service retries with a re-read; callers never
	// see it.
	ErrVersionConflict = errors.New("transaction version conflict")

	// Ledger leg outcomes, produced by the Ledger adapter.
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("reference already applied")
)

// SystemActor is the identity the reconciliation sweep cancels with.
const SystemActor = "system"

// Role identifies which side of the escrow a party is on.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool { return r == RolePayer || r == RolePayee }

// Complement returns the opposite role.
func (r Role) Complement() Role {
	if r == RolePayer {
		return RolePayee
	}
	return RolePayer
}

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PayoutDetails identifies the payee's real-world settlement account.
type PayoutDetails struct {
	BankCode      string `json:"bankCode,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	AccountName   string `json:"accountName,omitempty"`
}

// Empty reports whether no payout destination was supplied.
func (p PayoutDetails) Empty() bool {
	return p.BankCode == "" && p.AccountNumber == ""
}

// Transaction is a two-party escrow agreement.
type Transaction struct {
	ID            string        `json:"id"`
	CreatorID     string        `json:"creatorId"`
	CreatorRole   Role          `json:"creatorRole"`
	ParticipantID string        `json:"participantId,omitempty"`
	Amount        money.Amount  `json:"amount"`
	Description   string        `json:"description,omitempty"`
	Payout        PayoutDetails `json:"payout,omitempty"`
	ChatroomID    string        `json:"chatroomId,omitempty"`

	Status         Status `json:"status"`
	PayerConfirmed bool   `json:"payerConfirmed"`
	PayeeConfirmed bool   `json:"payeeConfirmed"`

	Locked       bool         `json:"locked"`
	LockedAmount money.Amount `json:"lockedAmount"`
	Funded       bool         `json:"funded"`

	// PayoutReleased flips false->true exactly once, inside the same
	// atomic update that records the second confirmation.
	PayoutReleased bool   `json:"payoutReleased"`
	PayoutRef      string `json:"payoutRef,omitempty"`
	PayoutError    string `json:"payoutError,omitempty"`

	// PayerID/PayeeID are resolved from the roles; both are known only
	// once a participant has joined.
	PayerID string `json:"payerId,omitempty"`
	PayeeID string `json:"payeeId,omitempty"`

	// ExternalRef links the transaction to a gateway funding attempt.
	ExternalRef string `json:"externalRef,omitempty"`

	// Version drives the store's optimistic compare-and-swap.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// IsParty reports whether userID is the creator or the participant.
func (t *Transaction) IsParty(userID string) bool {
	return userID == t.CreatorID || (t.ParticipantID != "" && userID == t.ParticipantID)
}

// References used as ledger idempotency keys. Amounts moved under these
// references always equal the locked amount captured at funding time.
func fundRef(id string) string   { return "FUND-" + id }
func payoutRef(id string) string { return "PAYOUT-" + id }
func refundRef(id string) string { return "REFUND-" + id }

// Store persists escrow transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByChatroom(ctx context.Context, chatroomID string) (*Transaction, error)
	GetByExternalRef(ctx context.Context, reference string) (*Transaction, error)
	// UpdateCAS writes tx only if the stored version still matches
	// tx.Version, then increments it. Returns ErrVersionConflict when
	// another writer got there first.
	UpdateCAS(ctx context.Context, tx *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// ListStalePending returns pending, unfunded transactions created
	// before the cutoff (reconciliation auto-cancel candidates).
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ListAwaitingExternal returns pending, unfunded transactions that
	// have a gateway reference older than the cutoff (missed-webhook
	// candidates).
	ListAwaitingExternal(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// Ledger abstracts wallet operations so escrow doesn't import the wallet
// package. Implementations translate their duplicate-reference and
// insufficient-funds conditions to ErrDuplicateReference and
// ErrInsufficientFunds.
type Ledger interface {
	// LockFunds debits the payer's wallet against the transaction.
	LockFunds(ctx context.Context, payerID string, amount money.Amount, reference, transactionID string) error
	// ReleasePayout credits the payee's wallet with the locked amount.
	ReleasePayout(ctx context.Context, payeeID string, amount money.Amount, reference, transactionID string) error
	// RefundLock credits the payer's wallet back after cancellation.
	RefundLock(ctx context.Context, payerID string, amount money.Amount, reference, transactionID string) error
	// ApplyDeposit credits a gateway payment into a wallet, keyed by the
	// gateway reference.
	ApplyDeposit(ctx context.Context, ownerID string, amount money.Amount, reference, transactionID string) error
}

// DisputeGate reports whether a transaction has an open dispute. Once a
// dispute is open the state machine refuses confirmations until it is
// resolved.
type DisputeGate interface {
	IsOpen(ctx context.Context, transactionID string) (bool, error)
}

// PayoutExecutor performs the external bank transfer after the internal
// payout credit succeeded. Failures here are recorded, never rolled back.
type PayoutExecutor interface {
	Payout(ctx context.Context, dest PayoutDetails, amount money.Amount, reason string) (string, error)
}

// FundingInitiator starts a hosted gateway funding flow.
type FundingInitiator interface {
	InitiateFunding(ctx context.Context, ownerID string, amount money.Amount, transactionID string) (reference, redirectURL string, err error)
}

// Notifier receives transaction state changes for delivery to the parties.
type Notifier interface {
	PublishTransactionUpdate(data any, parties ...string)
}

const (
	casAttempts  = 5
	casBaseDelay = 10 * time.Millisecond
)

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   Ledger
	gate     DisputeGate
	payouts  PayoutExecutor
	funding  FundingInitiator
	notifier Notifier
	locks    sync.Map // per-transaction ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger) *Service {
	return &Service{store: store, ledger: ledger}
}

// WithDisputeGate attaches the dispute gate consulted by Confirm.
func (s *Service) WithDisputeGate(g DisputeGate) *Service {
	s.gate = g
	return s
}

// WithPayoutExecutor attaches the external settlement executor.
func (s *Service) WithPayoutExecutor(p PayoutExecutor) *Service {
	s.payouts = p
	return s
}

// WithFundingInitiator attaches the hosted gateway funding collaborator.
func (s *Service) WithFundingInitiator(f FundingInitiator) *Service {
	s.funding = f
	return s
}

// WithNotifier attaches a realtime update collaborator.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// notify pushes the transaction's current state to its parties.
func (s *Service) notify(tx *Transaction) {
	if s.notifier == nil {
		return
	}
	parties := []string{tx.CreatorID}
	if tx.ParticipantID != "" {
		parties = append(parties, tx.ParticipantID)
	}
	s.notifier.PublishTransactionUpdate(tx, parties...)
}

// txLock returns the mutex for the given transaction ID.
func (s *Service) txLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest contains the parameters for opening a transaction.
type CreateRequest struct {
	CreatorID   string
	Role        Role
	Amount      money.Amount
	Description string
	Payout      PayoutDetails
	ChatroomID  string
}

// Create opens a new transaction in Pending. No funds move; the creator's
// wallet is provisioned lazily on first ledger use.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if !req.Amount.Positive() {
		return nil, ErrInvalidAmount
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}

	now := time.Now()
	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		CreatorID:   req.CreatorID,
		CreatorRole: req.Role,
		Amount:      req.Amount,
		Description: req.Description,
		Payout:      req.Payout,
		ChatroomID:  req.ChatroomID,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Role == RolePayer {
		tx.PayerID = req.CreatorID
	} else {
		tx.PayeeID = req.CreatorID
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	metrics.TransactionsTotal.WithLabelValues("created").Inc()
	s.notify(tx)
	return tx, nil
}

// Join attaches a counterpart with the complementary role. This is the
// only place both wallets become known.
func (s *Service) Join(ctx context.Context, id, joinerID string) (*Transaction, error) {
	return s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.Status != StatusPending {
			return ErrNotJoinable
		}
		if joinerID == tx.CreatorID {
			return ErrSelfJoin
		}
		if tx.ParticipantID != "" {
			return ErrAlreadyJoined
		}

		tx.ParticipantID = joinerID
		if tx.CreatorRole == RolePayer {
			tx.PayeeID = joinerID
		} else {
			tx.PayerID = joinerID
		}
		return nil
	}, func(tx *Transaction) {
		metrics.TransactionsTotal.WithLabelValues("joined").Inc()
		s.notify(tx)
	})
}

// Fund locks the payer's funds against the transaction. The wallet debit
// and the state change form one replay-safe unit: the debit is keyed by
// FUND-{id}, so a repeat call cannot debit twice, and a debit whose state
// write was lost is absorbed by the duplicate-reference path on retry.
func (s *Service) Fund(ctx context.Context, id, payerID string, amount money.Amount) (*Transaction, error) {
	mu := s.txLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}
	if tx.PayerID == "" {
		return nil, ErrNoPayer
	}
	if payerID != tx.PayerID {
		return nil, ErrUnauthorized
	}
	if tx.Locked {
		return nil, ErrAlreadyFunded
	}
	if amount != tx.Amount {
		return nil, ErrWrongAmount
	}

	debited := false
	err = s.ledger.LockFunds(ctx, tx.PayerID, tx.Amount, fundRef(tx.ID), tx.ID)
	switch {
	case err == nil:
		debited = true
	case errors.Is(err, ErrDuplicateReference):
		// A previous attempt debited the wallet but lost the state
		// write. Fall through and finish the state change.
	default:
		return nil, err
	}

	tx.Locked = true
	tx.LockedAmount = tx.Amount
	tx.Funded = true
	tx.UpdatedAt = time.Now()

	if err := s.updateCAS(ctx, mu, tx); err != nil {
		if debited {
			// Undo the debit we made in this call. The -REV reference
			// keeps the compensation itself replay-safe.
			if rerr := s.ledger.RefundLock(ctx, tx.PayerID, tx.Amount, fundRef(tx.ID)+"-REV", tx.ID); rerr != nil && !errors.Is(rerr, ErrDuplicateReference) {
				logging.L(ctx).Error("CRITICAL: funding debited but state write and compensation both failed",
					"transaction", tx.ID, "payer", tx.PayerID, "error", rerr)
			}
		}
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues("funded").Inc()
	s.notify(tx)
	return tx, nil
}

// Confirm records a party's confirmation. When the second confirmation
// lands, the same compare-and-swap that records it also flips
// PayoutReleased and Status, so only one of two racing confirms can
// observe "both confirmed and not yet released" — the exactly-once
// release rule.
func (s *Service) Confirm(ctx context.Context, id, userID string) (*Transaction, error) {
	var released bool
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		released = false
		if !tx.IsParty(userID) || (userID != tx.PayerID && userID != tx.PayeeID) {
			return ErrUnauthorized
		}
		if tx.Status == StatusCancelled {
			// A funded-then-cancelled transaction already refunded the
			// payer; a late confirm must not resurrect the payout.
			return ErrNotPending
		}
		if !tx.Funded {
			return ErrNotFunded
		}
		if s.gate != nil {
			open, err := s.gate.IsOpen(ctx, tx.ID)
			if err != nil {
				return fmt.Errorf("dispute gate check failed: %w", err)
			}
			if open {
				return ErrDisputeOpen
			}
		}

		switch userID {
		case tx.PayerID:
			if tx.PayerConfirmed {
				return ErrAlreadyConfirmed
			}
			tx.PayerConfirmed = true
		case tx.PayeeID:
			if tx.PayeeConfirmed {
				return ErrAlreadyConfirmed
			}
			tx.PayeeConfirmed = true
		}

		if tx.PayerConfirmed && tx.PayeeConfirmed && !tx.PayoutReleased {
			tx.PayoutReleased = true
			tx.Status = StatusCompleted
			tx.Locked = false
			released = true
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if released {
		s.releasePayout(ctx, tx)
	}
	s.notify(tx)
	return tx, nil
}

// releasePayout credits the payee internally and then attempts the
// external settlement. The internal credit is the user-visible guarantee;
// an external failure is recorded for retry, never rolled back.
func (s *Service) releasePayout(ctx context.Context, tx *Transaction) {
	// The payout moves exactly the locked amount captured at funding
	// time, never the (possibly edited) transaction amount.
	amount := tx.LockedAmount

	err := s.ledger.ReleasePayout(ctx, tx.PayeeID, amount, payoutRef(tx.ID), tx.ID)
	if err != nil && !errors.Is(err, ErrDuplicateReference) {
		// Retry once; the reference makes the retry safe.
		if err = s.ledger.ReleasePayout(ctx, tx.PayeeID, amount, payoutRef(tx.ID), tx.ID); err != nil && !errors.Is(err, ErrDuplicateReference) {
			logging.L(ctx).Error("CRITICAL: payout released in state but payee credit failed, manual reconciliation required",
				"transaction", tx.ID, "payee", tx.PayeeID, "amount", amount.Format(), "error", err)
			return
		}
	}

	metrics.TransactionsTotal.WithLabelValues("completed").Inc()
	metrics.EscrowDuration.Observe(time.Since(tx.CreatedAt).Seconds())

	if s.payouts == nil || tx.Payout.Empty() {
		return
	}

	ref, err := s.payouts.Payout(ctx, tx.Payout, amount, "escrow "+tx.ID)
	if err != nil {
		metrics.PayoutFailuresTotal.Inc()
		logging.L(ctx).Warn("external payout failed after internal credit, flagged for reconciliation",
			"transaction", tx.ID, "error", err)
		s.recordPayoutResult(ctx, tx.ID, "", err.Error())
		return
	}
	s.recordPayoutResult(ctx, tx.ID, ref, "")
}

// recordPayoutResult persists the external transfer outcome (best effort).
func (s *Service) recordPayoutResult(ctx context.Context, id, ref, payoutErr string) {
	mu := s.txLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return
	}
	tx.PayoutRef = ref
	tx.PayoutError = payoutErr
	tx.UpdatedAt = time.Now()
	if err := s.updateCAS(ctx, mu, tx); err != nil {
		logging.L(ctx).Warn("failed to record external payout result",
			"transaction", id, "error", err)
	}
}

// Cancel terminates a pending transaction. A locked transaction refunds
// exactly the locked amount to the payer through the REFUND-{id} credit;
// the reconciliation sweep cancels stale transactions through this same
// path with the system identity.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Transaction, error) {
	mu := s.txLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if userID != SystemActor && !tx.IsParty(userID) {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPending {
		return nil, ErrNotCancellable
	}

	if tx.Locked {
		err := s.ledger.RefundLock(ctx, tx.PayerID, tx.LockedAmount, refundRef(tx.ID), tx.ID)
		if err != nil && !errors.Is(err, ErrDuplicateReference) {
			return nil, fmt.Errorf("failed to refund locked funds: %w", err)
		}
		tx.Locked = false
		tx.LockedAmount = 0
	}

	tx.Status = StatusCancelled
	tx.UpdatedAt = time.Now()

	if err := s.updateCAS(ctx, mu, tx); err != nil {
		// The refund credit is keyed by REFUND-{id}; a retried cancel
		// cannot refund twice, so surfacing the error is safe.
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues("cancelled").Inc()
	metrics.EscrowDuration.Observe(time.Since(tx.CreatedAt).Seconds())
	s.notify(tx)
	return tx, nil
}

// InitiateGatewayFunding starts a hosted funding flow for the payer and
// pins the returned gateway reference to the transaction.
func (s *Service) InitiateGatewayFunding(ctx context.Context, id, payerID string) (*Transaction, string, error) {
	if s.funding == nil {
		return nil, "", errors.New("gateway funding not configured")
	}

	mu := s.txLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if tx.Status != StatusPending {
		return nil, "", ErrNotPending
	}
	if tx.PayerID == "" {
		return nil, "", ErrNoPayer
	}
	if payerID != tx.PayerID {
		return nil, "", ErrUnauthorized
	}
	if tx.Locked {
		return nil, "", ErrAlreadyFunded
	}

	reference, redirectURL, err := s.funding.InitiateFunding(ctx, tx.PayerID, tx.Amount, tx.ID)
	if err != nil {
		return nil, "", err
	}

	tx.ExternalRef = reference
	tx.UpdatedAt = time.Now()
	if err := s.updateCAS(ctx, mu, tx); err != nil {
		return nil, "", err
	}
	return tx, redirectURL, nil
}

// CompleteExternalFunding is the single logical path from "gateway
// confirms payment" to "ledger updated". Both the webhook handler and
// the reconciliation sweep call it; the deposit credit is keyed by the
// gateway reference, so redelivery is a safe no-op. The boolean reports
// whether this call changed anything (false for a pure redelivery).
func (s *Service) CompleteExternalFunding(ctx context.Context, reference string) (*Transaction, bool, error) {
	found, err := s.store.GetByExternalRef(ctx, reference)
	if err != nil {
		return nil, false, err
	}

	mu := s.txLock(found.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, found.ID)
	if err != nil {
		return nil, false, err
	}

	if tx.Funded {
		// Redelivered event for an already-funded transaction.
		return tx, false, nil
	}

	// Land the gateway money in the payer's wallet first. On a cancelled
	// or completed transaction the money still belongs to the payer; it
	// stays in their wallet without locking.
	err = s.ledger.ApplyDeposit(ctx, tx.PayerID, tx.Amount, reference, tx.ID)
	if err != nil && !errors.Is(err, ErrDuplicateReference) {
		return nil, false, err
	}
	deposited := err == nil

	if tx.Status != StatusPending {
		logging.L(ctx).Warn("gateway payment landed on a terminal transaction, credited without locking",
			"transaction", tx.ID, "reference", reference, "status", tx.Status)
		return tx, deposited, nil
	}

	// Now run the regular funding leg against the fresh balance.
	debited := false
	err = s.ledger.LockFunds(ctx, tx.PayerID, tx.Amount, fundRef(tx.ID), tx.ID)
	switch {
	case err == nil:
		debited = true
	case errors.Is(err, ErrDuplicateReference):
	default:
		return nil, false, err
	}

	tx.Locked = true
	tx.LockedAmount = tx.Amount
	tx.Funded = true
	tx.UpdatedAt = time.Now()

	if err := s.updateCAS(ctx, mu, tx); err != nil {
		if debited {
			if rerr := s.ledger.RefundLock(ctx, tx.PayerID, tx.Amount, fundRef(tx.ID)+"-REV", tx.ID); rerr != nil && !errors.Is(rerr, ErrDuplicateReference) {
				logging.L(ctx).Error("CRITICAL: external funding debited but state write and compensation both failed",
					"transaction", tx.ID, "error", rerr)
			}
		}
		return nil, false, err
	}

	metrics.TransactionsTotal.WithLabelValues("funded").Inc()
	s.notify(tx)
	return tx, true, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByChatroom returns the transaction attached to a chatroom.
func (s *Service) GetByChatroom(ctx context.Context, chatroomID string) (*Transaction, error) {
	return s.store.GetByChatroom(ctx, chatroomID)
}

// ListByUser returns transactions the user participates in.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// mutate applies fn to a freshly-read transaction under the per-ID lock
// and writes it back with a version compare-and-swap, retrying the whole
// read-modify-write on conflict. fn must be side-effect free so it can
// run again on a conflicting re-read.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Transaction) error, onSuccess func(*Transaction)) (*Transaction, error) {
	mu := s.txLock(id)
	mu.Lock()
	defer mu.Unlock()

	var tx *Transaction
	err := retry.DoWithUnlock(ctx, casAttempts, casBaseDelay,
		mu.Unlock, mu.Lock,
		func() error {
			var err error
			tx, err = s.store.Get(ctx, id)
			if err != nil {
				return retry.Permanent(err)
			}
			if err := fn(tx); err != nil {
				return retry.Permanent(err)
			}
			tx.UpdatedAt = time.Now()
			if err := s.store.UpdateCAS(ctx, tx); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					return err // retried with a re-read
				}
				return retry.Permanent(err)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if onSuccess != nil {
		onSuccess(tx)
	}
	return tx, nil
}

// updateCAS retries a prepared write on version conflict by re-applying
// the already-computed mutation onto a re-read. Used by the operations
// that interleave ledger legs with the state write and therefore cannot
// re-run their whole body.
func (s *Service) updateCAS(ctx context.Context, mu *sync.Mutex, tx *Transaction) error {
	staged := *tx
	return retry.DoWithUnlock(ctx, casAttempts, casBaseDelay,
		mu.Unlock, mu.Lock,
		func() error {
			if err := s.store.UpdateCAS(ctx, tx); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					fresh, gerr := s.store.Get(ctx, tx.ID)
					if gerr != nil {
						return retry.Permanent(gerr)
					}
					// Carry the staged mutation onto the fresh version.
					version := fresh.Version
					*tx = staged
					tx.Version = version
					return err
				}
				return retry.Permanent(err)
			}
			return nil
		})
}
