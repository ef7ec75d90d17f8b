package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/middletrust/escrowd/internal/idgen"
	"github.com/middletrust/escrowd/internal/money"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	entries []*Entry
	refs    map[string]*Entry // "owner:reference" -> entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		refs:    make(map[string]*Entry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[ownerID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{OwnerID: ownerID, CreatedAt: time.Now(), UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refs[ownerID+":"+reference]; exists {
		return nil, ErrDuplicateReference
	}

	w := m.walletLocked(ownerID)
	w.Balance += amount
	w.TotalDeposits += amount
	w.UpdatedAt = time.Now()

	entry := m.appendLocked(ownerID, EntryDeposit, amount, reference, meta)
	return entry, nil
}

func (m *MemoryStore) Debit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refs[ownerID+":"+reference]; exists {
		return nil, ErrDuplicateReference
	}

	w := m.walletLocked(ownerID)
	if w.Balance < amount {
		return nil, ErrInsufficientFunds
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now()

	entry := m.appendLocked(ownerID, EntryWithdrawal, amount, reference, meta)
	return entry, nil
}

func (m *MemoryStore) History(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].OwnerID == ownerID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, ownerID, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.refs[ownerID+":"+reference]; ok {
		cp := *entry
		return &cp, nil
	}
	return nil, nil
}

// walletLocked returns the wallet for ownerID, creating it if needed.
// Caller must hold m.mu.
func (m *MemoryStore) walletLocked(ownerID string) *Wallet {
	w, ok := m.wallets[ownerID]
	if !ok {
		now := time.Now()
		w = &Wallet{OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
		m.wallets[ownerID] = w
	}
	return w
}

// appendLocked records a completed entry. Caller must hold m.mu.
func (m *MemoryStore) appendLocked(ownerID string, typ EntryType, amount money.Amount, reference string, meta Metadata) *Entry {
	entry := &Entry{
		ID:            idgen.WithPrefix("ent_"),
		OwnerID:       ownerID,
		Type:          typ,
		Amount:        amount,
		Reference:     reference,
		Status:        EntryCompleted,
		Purpose:       meta.Purpose,
		TransactionID: meta.TransactionID,
		CreatedAt:     time.Now(),
	}
	m.entries = append(m.entries, entry)
	m.refs[ownerID+":"+reference] = entry
	cp := *entry
	return &cp
}
