package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cash-wire/core"
	"github.com/warp/cash-wire/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func money(s string) core.Money {
	m, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestCreateAndGetAccountByUserID_RoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.CreateAccount(ctx, core.Account{AccountID: "acct-1", UserID: "alice", Balance: core.Zero(), CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	got, err := store.GetAccountByUserID(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.True(t, got.Balance.IsZero())
}

func TestGetAccountByUserID_NotFound_ReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetAccountByUserID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateAccountBalance_PersistsNewBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateAccount(ctx, core.Account{AccountID: "acct-1", UserID: "alice", Balance: core.Zero(), CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, store.UpdateAccountBalance(ctx, "acct-1", money("42.50"), now.Add(time.Minute)))

	got, err := store.GetAccountByUserID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("42.50")))
}

// =============================================================================
// WITHTX
// =============================================================================

func TestWithTx_ErrorRollsBackEveryWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx core.Store) error {
		if err := tx.CreateAccount(ctx, core.Account{AccountID: "acct-1", UserID: "alice", Balance: core.Zero(), CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetAccountByUserID(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got, "the account insert must not survive the rolled-back transaction")
}

func TestWithTx_NilErrorCommits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.WithTx(ctx, func(tx core.Store) error {
		return tx.CreateAccount(ctx, core.Account{AccountID: "acct-1", UserID: "alice", Balance: core.Zero(), CreatedAt: now, UpdatedAt: now})
	})
	require.NoError(t, err)

	got, err := store.GetAccountByUserID(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestInsertAndListTransactionsBySender(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tx := core.Transaction{
		TxID: "tx-1", Kind: core.TxTransfer, SenderUserID: "alice", RecipientUserID: "bob",
		Amount: money("10.00"), Status: core.TxCompleted, CreatedAt: now, ProcessedAt: &now,
	}
	require.NoError(t, store.InsertTransaction(ctx, tx))

	got, err := store.ListTransactionsBySender(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-1", got[0].TxID)
	assert.True(t, got[0].Amount.Equal(money("10.00")))
}

func TestSumCompletedContributions_OnlyCountsCompletedEventContributions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertTransaction(ctx, core.Transaction{
		TxID: "tx-1", Kind: core.TxEventContribution, SenderUserID: "alice", EventID: "evt-1",
		Amount: money("10.00"), Status: core.TxCompleted, CreatedAt: now, ProcessedAt: &now,
	}))
	require.NoError(t, store.InsertTransaction(ctx, core.Transaction{
		TxID: "tx-2", Kind: core.TxEventContribution, SenderUserID: "bob", EventID: "evt-1",
		Amount: money("5.00"), Status: core.TxCompleted, CreatedAt: now, ProcessedAt: &now,
	}))
	require.NoError(t, store.InsertTransaction(ctx, core.Transaction{
		TxID: "tx-3", Kind: core.TxEventContribution, SenderUserID: "carol", EventID: "evt-1",
		Amount: money("100.00"), Status: core.TxFailed, FailureCode: core.CodeInsufficientFunds, CreatedAt: now,
	}))

	total, count, err := store.SumCompletedContributions(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, total.Equal(money("15.00")))
	assert.Equal(t, 2, count)
}

// =============================================================================
// MONEY REQUESTS
// =============================================================================

func TestFindLivePendingRequest_FindsOnlyPendingUnexpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertMoneyRequest(ctx, core.MoneyRequest{
		RequestID: "req-1", RequesterUserID: "alice", PayerUserID: "bob", Amount: money("10.00"),
		Status: core.RequestPending, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 7),
	}))

	found, err := store.FindLivePendingRequest(ctx, "alice", "bob", now)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-1", found.RequestID)

	notFound, err := store.FindLivePendingRequest(ctx, "alice", "carol", now)
	require.NoError(t, err)
	assert.Nil(t, notFound)
}

func TestListDuePending_OnlyPastExpiresAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertMoneyRequest(ctx, core.MoneyRequest{
		RequestID: "req-past", RequesterUserID: "alice", PayerUserID: "bob", Amount: money("10.00"),
		Status: core.RequestPending, CreatedAt: now.AddDate(0, 0, -10), ExpiresAt: now.AddDate(0, 0, -3),
	}))
	require.NoError(t, store.InsertMoneyRequest(ctx, core.MoneyRequest{
		RequestID: "req-future", RequesterUserID: "alice", PayerUserID: "bob", Amount: money("10.00"),
		Status: core.RequestPending, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 7),
	}))

	due, err := store.ListDuePending(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "req-past", due[0].RequestID)
}

// =============================================================================
// EVENT POOLS
// =============================================================================

func TestListEventPools_FiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEventPool(ctx, core.EventPool{EventID: "evt-1", CreatorUserID: "alice", Name: "a", Description: "d", Status: core.EventActive, CreatedAt: now}))
	require.NoError(t, store.InsertEventPool(ctx, core.EventPool{EventID: "evt-2", CreatorUserID: "alice", Name: "b", Description: "d", Status: core.EventClosed, CreatedAt: now}))

	active, err := store.ListEventPools(ctx, core.EventFilter{Status: core.EventActive, HasStatus: true}, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "evt-1", active[0].EventID)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestDeleteAuditEntriesOlderThan_OnlyDeletesBeforeCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertAuditEntry(ctx, core.AuditEntry{EntryID: "e-old", ActionType: "X", CreatedAt: old}))
	require.NoError(t, store.InsertAuditEntry(ctx, core.AuditEntry{EntryID: "e-new", ActionType: "X", CreatedAt: recent}))

	cutoff := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted, err := store.DeleteAuditEntriesOlderThan(ctx, cutoff, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := store.QueryAuditEntries(ctx, core.AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e-new", remaining[0].EntryID)
}
