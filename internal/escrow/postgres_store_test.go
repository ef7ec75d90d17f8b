//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestPostgresVersionConflict(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	now := time.Now()
	tx := &Transaction{
		ID: "txn_itest_cas_" + now.Format("150405.000000000"),
		CreatorID: "alice", CreatorRole: RolePayer, PayerID: "alice",
		Amount: 5000, Status: StatusPending, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, tx))

	a, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)

	a.ParticipantID = "bob"
	a.PayeeID = "bob"
	require.NoError(t, store.UpdateCAS(ctx, a))

	b.Status = StatusCancelled
	err = store.UpdateCAS(ctx, b)
	assert.ErrorIs(t, err, ErrVersionConflict)

	fresh, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", fresh.ParticipantID)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, int64(2), fresh.Version)
}

func TestPostgresLookups(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	now := time.Now()
	suffix := now.Format("150405.000000000")
	tx := &Transaction{
		ID: "txn_itest_lookup_" + suffix,
		CreatorID: "carol", CreatorRole: RolePayee, PayeeID: "carol",
		Amount: 2500, Status: StatusPending, Version: 1,
		ChatroomID:  "room_itest_" + suffix,
		ExternalRef: "cs_itest_" + suffix,
		CreatedAt:   now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, tx))

	byRoom, err := store.GetByChatroom(ctx, tx.ChatroomID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byRoom.ID)

	byRef, err := store.GetByExternalRef(ctx, tx.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byRef.ID)

	_, err = store.Get(ctx, "txn_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	listed, err := store.ListByUser(ctx, "carol", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, listed)
}
