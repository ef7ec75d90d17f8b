package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/money"
)

type stubLedger struct {
	mu   sync.Mutex
	refs map[string]bool
}

func newStubLedger() *stubLedger {
	return &stubLedger{refs: make(map[string]bool)}
}

func (l *stubLedger) apply(owner, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := owner + ":" + reference
	if l.refs[key] {
		return escrow.ErrDuplicateReference
	}
	l.refs[key] = true
	return nil
}

func (l *stubLedger) LockFunds(_ context.Context, payerID string, _ money.Amount, reference, _ string) error {
	return l.apply(payerID, reference)
}
func (l *stubLedger) ReleasePayout(_ context.Context, payeeID string, _ money.Amount, reference, _ string) error {
	return l.apply(payeeID, reference)
}
func (l *stubLedger) RefundLock(_ context.Context, payerID string, _ money.Amount, reference, _ string) error {
	return l.apply(payerID, reference)
}
func (l *stubLedger) ApplyDeposit(_ context.Context, ownerID string, _ money.Amount, reference, _ string) error {
	return l.apply(ownerID, reference)
}

type stubVerifier struct {
	paid map[string]bool
	err  error
}

func (v *stubVerifier) VerifyTransaction(_ context.Context, reference string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	return v.paid[reference], nil
}

func newSweepFixture(t *testing.T, verifier Verifier) (*Sweeper, *escrow.Service, escrow.Store) {
	t.Helper()
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, newStubLedger())
	sw := NewSweeper(svc, store, verifier,
		time.Minute, 24*time.Hour, 30*time.Minute,
		slog.New(slog.DiscardHandler))
	return sw, svc, store
}

// age rewrites a transaction's timestamps so the sweeper sees it as old.
func age(t *testing.T, store escrow.Store, id string, d time.Duration) {
	t.Helper()
	tx, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	tx.CreatedAt = tx.CreatedAt.Add(-d)
	tx.UpdatedAt = tx.UpdatedAt.Add(-d)
	require.NoError(t, store.UpdateCAS(context.Background(), tx))
}

func TestSweepCancelsStalePending(t *testing.T) {
	sw, svc, store := newSweepFixture(t, nil)
	ctx := context.Background()

	stale, err := svc.Create(ctx, escrow.CreateRequest{CreatorID: "alice", Role: escrow.RolePayer, Amount: 1000})
	require.NoError(t, err)
	age(t, store, stale.ID, 48*time.Hour)

	fresh, err := svc.Create(ctx, escrow.CreateRequest{CreatorID: "alice", Role: escrow.RolePayer, Amount: 1000})
	require.NoError(t, err)

	// Funded transactions never auto-cancel regardless of age.
	funded, err := svc.Create(ctx, escrow.CreateRequest{CreatorID: "carol", Role: escrow.RolePayer, Amount: 1000})
	require.NoError(t, err)
	_, err = svc.Fund(ctx, funded.ID, "carol", 1000)
	require.NoError(t, err)
	age(t, store, funded.ID, 48*time.Hour)

	sw.Sweep(ctx)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, got.Status)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, got.Status)

	got, err = store.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, got.Status)
	assert.True(t, got.Locked)
}

func TestSweepWithinGraceWindowDoesNothing(t *testing.T) {
	sw, svc, store := newSweepFixture(t, nil)
	ctx := context.Background()

	// Past the pending timeout but inside the grace window.
	tx, err := svc.Create(ctx, escrow.CreateRequest{CreatorID: "alice", Role: escrow.RolePayer, Amount: 1000})
	require.NoError(t, err)
	age(t, store, tx.ID, 24*time.Hour+10*time.Minute)

	sw.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, got.Status)
}

func setupAwaiting(t *testing.T, svc *escrow.Service, store escrow.Store, reference string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := svc.Create(ctx, escrow.CreateRequest{CreatorID: "alice", Role: escrow.RolePayer, Amount: 1000})
	require.NoError(t, err)

	stored, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	stored.ExternalRef = reference
	require.NoError(t, store.UpdateCAS(ctx, stored))
	age(t, store, tx.ID, time.Hour)
	return tx
}

func TestSweepRecoversMissedWebhook(t *testing.T) {
	verifier := &stubVerifier{paid: map[string]bool{"cs_paid": true}}
	sw, svc, store := newSweepFixture(t, verifier)
	ctx := context.Background()

	paidTx := setupAwaiting(t, svc, store, "cs_paid")
	unpaidTx := setupAwaiting(t, svc, store, "cs_unpaid")

	sw.Sweep(ctx)

	got, err := store.Get(ctx, paidTx.ID)
	require.NoError(t, err)
	assert.True(t, got.Funded)
	assert.Equal(t, escrow.StatusPending, got.Status)

	got, err = store.Get(ctx, unpaidTx.ID)
	require.NoError(t, err)
	assert.False(t, got.Funded)

	// A second sweep must not double-apply the recovered payment.
	sw.Sweep(ctx)
	got, err = store.Get(ctx, paidTx.ID)
	require.NoError(t, err)
	assert.True(t, got.Funded)
}

func TestSweepRecoversBeforeCancelling(t *testing.T) {
	// A stale transaction whose payment actually settled must be funded,
	// not cancelled.
	verifier := &stubVerifier{paid: map[string]bool{"cs_slow": true}}
	sw, svc, store := newSweepFixture(t, verifier)
	ctx := context.Background()

	tx := setupAwaiting(t, svc, store, "cs_slow")
	age(t, store, tx.ID, 48*time.Hour)

	sw.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.Funded)
	assert.Equal(t, escrow.StatusPending, got.Status)
}

func TestSweepVerifierErrorLeavesStateAlone(t *testing.T) {
	verifier := &stubVerifier{err: assert.AnError}
	sw, svc, store := newSweepFixture(t, verifier)
	ctx := context.Background()

	tx := setupAwaiting(t, svc, store, "cs_flaky")

	sw.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, got.Funded)
	assert.Equal(t, escrow.StatusPending, got.Status)
}

func TestSweeperStartStop(t *testing.T) {
	sw, _, _ := newSweepFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	require.Eventually(t, sw.Running, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, sw.Running())
}
