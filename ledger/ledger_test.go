package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
	"github.com/warp/cash-wire/ledger"
	"github.com/warp/cash-wire/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T, users ...core.UserInfo) (*ledger.Ledger, *sqlite.Store, *core.RecordingSink) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.FixedClock{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	ids := &core.SequentialGen{Prefix: "tx"}
	dir := core.NewStaticUserDirectory(users...)
	auditLog := audit.New(store, clock, ids, zerolog.Nop())
	sink := core.NewRecordingSink()
	l := ledger.New(store, clock, ids, dir, auditLog, sink, zerolog.Nop())
	return l, store, sink
}

func money(s string) core.Money {
	m, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func openAccount(t *testing.T, l *ledger.Ledger, userID string) {
	_, err := l.OpenAccount(context.Background(), userID)
	require.NoError(t, err)
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer_Success_DebitsSenderCreditsRecipient(t *testing.T) {
	l, _, sink := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true}, core.UserInfo{UserID: "bob", Active: true})
	ctx := context.Background()
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")

	result, err := l.Transfer(ctx, core.System(), "alice", "bob", money("10.00"), "lunch", "thanks")
	require.NoError(t, err)
	assert.True(t, result.SenderBalance.Equal(money("-10.00")))
	assert.True(t, result.RecipientBalance.Equal(money("10.00")))

	bal, _, err := l.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("10.00")))
	assert.Len(t, sink.Events, 1)
	assert.Equal(t, core.EventTransferCompleted, sink.Events[0].Kind)
}

func TestTransfer_SelfTransfer_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true})
	_, err := l.Transfer(context.Background(), core.System(), "alice", "alice", money("1.00"), "", "")
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeSelfTransfer, ce.Code)
}

func TestTransfer_InsufficientFunds_LeavesBalancesUnchangedAndRecordsFailedTransaction(t *testing.T) {
	l, store, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true}, core.UserInfo{UserID: "bob", Active: true})
	ctx := context.Background()
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")

	_, err := l.Transfer(ctx, core.System(), "alice", "bob", money("300.00"), "", "")
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeInsufficientFunds, ce.Code)

	bal, _, err := l.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	txs, err := store.ListTransactionsBySender(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, core.TxFailed, txs[0].Status)
	assert.Equal(t, core.CodeInsufficientFunds, txs[0].FailureCode)
}

func TestTransfer_RecipientInactive_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true}, core.UserInfo{UserID: "bob", Active: false})
	_, err := l.Transfer(context.Background(), core.System(), "alice", "bob", money("1.00"), "", "")
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeUserInactive, ce.Code)
}

func TestTransfer_ThreeAuditEntriesPerTransfer(t *testing.T) {
	l, store, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true}, core.UserInfo{UserID: "bob", Active: true})
	ctx := context.Background()
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")

	_, err := l.Transfer(ctx, core.System(), "alice", "bob", money("5.00"), "", "")
	require.NoError(t, err)

	entries, err := store.QueryAuditEntries(ctx, core.AuditFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

// =============================================================================
// BULK TRANSFER
// =============================================================================

func TestBulkTransfer_AllOrNothing_OneRecipientOverLimitAbortsWhole(t *testing.T) {
	l, _, _ := newTestLedger(t,
		core.UserInfo{UserID: "alice", Active: true},
		core.UserInfo{UserID: "bob", Active: true},
		core.UserInfo{UserID: "carol", Active: true},
	)
	ctx := context.Background()
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")
	openAccount(t, l, "carol")

	// Push carol to 235.00 so a further +20.00 would breach MaxBalance
	// (250.00); bob ends up at -235.00, which is still within MinBalance.
	_, err := l.Transfer(ctx, core.System(), "bob", "carol", money("235.00"), "", "")
	require.NoError(t, err)

	// carol is recipients[1] in the original request order; the all-or-nothing
	// abort must report her original index, not her position after the
	// internal lock-ordering sort (which puts bob first).
	_, err = l.BulkTransfer(ctx, core.System(), "alice", []ledger.BulkRecipient{
		{RecipientUserID: "bob", Amount: money("5.00")},
		{RecipientUserID: "carol", Amount: money("20.00")},
	})
	require.Error(t, err)
	var bulkErr *ledger.BulkTransferError
	require.ErrorAs(t, err, &bulkErr)
	assert.Equal(t, core.CodeBalanceLimitExceeded, bulkErr.Code)
	assert.Equal(t, 1, bulkErr.RecipientIndex)

	// Neither leg applied: bob's balance is untouched by the aborted bulk
	// transfer.
	bal, _, err := l.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("-235.00")))
}

func TestBulkTransfer_SelfTransferRecipient_ReportsOriginalIndex(t *testing.T) {
	l, _, _ := newTestLedger(t,
		core.UserInfo{UserID: "alice", Active: true},
		core.UserInfo{UserID: "bob", Active: true},
	)
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")

	_, err := l.BulkTransfer(context.Background(), core.System(), "alice", []ledger.BulkRecipient{
		{RecipientUserID: "bob", Amount: money("5.00")},
		{RecipientUserID: "alice", Amount: money("1.00")},
	})
	require.Error(t, err)
	var bulkErr *ledger.BulkTransferError
	require.ErrorAs(t, err, &bulkErr)
	assert.Equal(t, core.CodeSelfTransfer, bulkErr.Code)
	assert.Equal(t, 1, bulkErr.RecipientIndex)
}

func TestBulkTransfer_SenderBalanceExceeded_ReportsNoSingleRecipient(t *testing.T) {
	l, _, _ := newTestLedger(t,
		core.UserInfo{UserID: "alice", Active: true},
		core.UserInfo{UserID: "bob", Active: true},
		core.UserInfo{UserID: "carol", Active: true},
	)
	ctx := context.Background()
	openAccount(t, l, "alice")
	openAccount(t, l, "bob")
	openAccount(t, l, "carol")

	// alice has a zero balance; a bulk transfer whose total exceeds what her
	// own balance can absorb fails on the sender side, not on any recipient.
	_, err := l.BulkTransfer(ctx, core.System(), "alice", []ledger.BulkRecipient{
		{RecipientUserID: "bob", Amount: money("200.00")},
		{RecipientUserID: "carol", Amount: money("100.00")},
	})
	require.Error(t, err)
	var bulkErr *ledger.BulkTransferError
	require.ErrorAs(t, err, &bulkErr)
	assert.Equal(t, core.CodeInsufficientFunds, bulkErr.Code)
	assert.Equal(t, -1, bulkErr.RecipientIndex)
}

func TestBulkTransfer_TooManyRecipients_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true})
	recipients := make([]ledger.BulkRecipient, 51)
	for i := range recipients {
		recipients[i] = ledger.BulkRecipient{RecipientUserID: "x", Amount: money("1.00")}
	}
	_, err := l.BulkTransfer(context.Background(), core.System(), "alice", recipients)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeTooManyRecipients, ce.Code)
}

// =============================================================================
// VALIDATE LIMITS
// =============================================================================

func TestValidateLimits_ApproachingOverdraftWarning(t *testing.T) {
	l, _, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true})
	ctx := context.Background()
	openAccount(t, l, "alice")

	check, err := l.ValidateLimits(ctx, "alice", money("-210.00"))
	require.NoError(t, err)
	assert.True(t, check.Valid)
	require.Len(t, check.Warnings, 1)
}

func TestValidateLimits_BreachingMinBalance_Invalid(t *testing.T) {
	l, _, _ := newTestLedger(t, core.UserInfo{UserID: "alice", Active: true})
	ctx := context.Background()
	openAccount(t, l, "alice")

	check, err := l.ValidateLimits(ctx, "alice", money("-260.00"))
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Contains(t, check.Errors, core.CodeInsufficientFunds)
}
