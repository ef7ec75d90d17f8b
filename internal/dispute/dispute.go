// Package dispute is a thin gate over escrow confirmations: while a
// transaction has an open dispute, the state machine refuses to confirm.
// Evidence handling, arbitration and outcomes live outside the system;
// resolution here just lifts the gate.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/middletrust/escrowd/internal/idgen"
	"github.com/middletrust/escrowd/internal/metrics"
)

var (
	ErrNotFound       = errors.New("dispute not found")
	ErrAlreadyOpen    = errors.New("transaction already has an open dispute")
	ErrNotParty       = errors.New("only a transaction party can open a dispute")
	ErrNotOpen        = errors.New("dispute is not open")
	ErrNotDisputable  = errors.New("transaction cannot be disputed")
	ErrReasonRequired = errors.New("dispute reason is required")
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Dispute is a flag on a transaction, not a case file.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	OpenedBy      string     `json:"openedBy"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	Resolution    string     `json:"resolution,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	HasOpen(ctx context.Context, transactionID string) (bool, error)
}

// TransactionInfo is what the dispute service needs to know about a
// transaction before letting someone dispute it.
type TransactionInfo struct {
	ID       string
	Funded   bool
	Terminal bool
	Parties  []string
}

// TransactionLookup resolves a transaction for dispute eligibility
// checks. Satisfied by an adapter over the escrow service.
type TransactionLookup interface {
	Lookup(ctx context.Context, transactionID string) (*TransactionInfo, error)
}

// Notifier receives dispute state changes for delivery to the parties.
type Notifier interface {
	PublishDisputeUpdate(data any, parties ...string)
}

// Service manages the dispute gate.
type Service struct {
	store    Store
	txs      TransactionLookup
	notifier Notifier
}

// NewService creates a dispute service.
func NewService(store Store, txs TransactionLookup) *Service {
	return &Service{store: store, txs: txs}
}

// WithNotifier attaches a realtime update collaborator.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) notify(ctx context.Context, d *Dispute) {
	if s.notifier == nil {
		return
	}
	info, err := s.txs.Lookup(ctx, d.TransactionID)
	if err != nil {
		return
	}
	s.notifier.PublishDisputeUpdate(d, info.Parties...)
}

// Open raises a dispute on a funded, non-terminal transaction. One open
// dispute per transaction; the store's uniqueness check is authoritative
// under concurrency.
func (s *Service) Open(ctx context.Context, transactionID, userID, reason string) (*Dispute, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}

	info, err := s.txs.Lookup(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	party := false
	for _, p := range info.Parties {
		if p == userID {
			party = true
			break
		}
	}
	if !party {
		return nil, ErrNotParty
	}
	if !info.Funded || info.Terminal {
		return nil, ErrNotDisputable
	}

	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: transactionID,
		OpenedBy:      userID,
		Reason:        reason,
		Status:        StatusOpen,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.notify(ctx, d)
	return d, nil
}

// Resolve closes an open dispute, lifting the confirmation gate.
func (s *Service) Resolve(ctx context.Context, id, actorID, resolution string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedBy = actorID
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to resolve dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.notify(ctx, d)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByTransaction returns all disputes raised on a transaction.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// IsOpen reports whether the transaction has an open dispute. This is
// the gate the escrow state machine consults before confirming.
func (s *Service) IsOpen(ctx context.Context, transactionID string) (bool, error) {
	return s.store.HasOpen(ctx, transactionID)
}
