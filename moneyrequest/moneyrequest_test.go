package moneyrequest_test

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
	"github.com/warp/cash-wire/moneyrequest"
	"github.com/warp/cash-wire/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	Service *moneyrequest.Service
	Ledger  *ledger.Ledger
	Store   *sqlite.Store
	Clock   *core.SteppedClock
}

func newHarness(t *testing.T, users ...core.UserInfo) *harness {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewSteppedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	ids := &core.SequentialGen{Prefix: "id"}
	dir := core.NewStaticUserDirectory(users...)
	auditLog := audit.New(store, clock, ids, zerolog.Nop())
	l := ledger.New(store, clock, ids, dir, auditLog, core.NoopSink{}, zerolog.Nop())
	svc := moneyrequest.New(store, clock, ids, dir, l, auditLog, core.NoopSink{}, zerolog.Nop())

	for _, u := range users {
		_, err := l.OpenAccount(context.Background(), u.UserID)
		require.NoError(t, err)
	}
	return &harness{Service: svc, Ledger: l, Store: store, Clock: clock}
}

func money(s string) core.Money {
	m, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_Success_IsPending(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	r, err := h.Service.Create(context.Background(), core.System(), "req", "payer", money("10.00"), "lunch", 0)
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, r.Status)
	assert.Equal(t, core.RequestDefaultExpiryDays, int(r.ExpiresAt.Sub(r.CreatedAt).Hours()/24))
}

func TestCreate_SelfRequest_Rejected(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "alice", Active: true})
	_, err := h.Service.Create(context.Background(), core.System(), "alice", "alice", money("10.00"), "", 0)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeSelfTransfer, ce.Code)
}

func TestCreate_DuplicateLivePendingRequest_Rejected(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	_, err := h.Service.Create(ctx, core.System(), "req", "payer", money("10.00"), "", 0)
	require.NoError(t, err)

	_, err = h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 0)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeDuplicateRequest, ce.Code)
}

// =============================================================================
// RESPOND
// =============================================================================

func TestRespond_Approve_TransfersAndMarksApproved(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("20.00"), "", 0)
	require.NoError(t, err)

	updated, err := h.Service.Respond(ctx, core.System(), r.RequestID, "payer", true)
	require.NoError(t, err)
	assert.Equal(t, core.RequestApproved, updated.Status)
	assert.NotEmpty(t, updated.TxID)

	bal, _, err := h.Ledger.GetBalance(ctx, "req")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("20.00")))
}

func TestRespond_Decline_MarksDeclinedNoTransfer(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("20.00"), "", 0)
	require.NoError(t, err)

	updated, err := h.Service.Respond(ctx, core.System(), r.RequestID, "payer", false)
	require.NoError(t, err)
	assert.Equal(t, core.RequestDeclined, updated.Status)

	bal, _, err := h.Ledger.GetBalance(ctx, "req")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestRespond_ApprovalFailsInsufficientFunds_RequestStaysPending(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("300.00"), "", 0)
	require.NoError(t, err)

	_, err = h.Service.Respond(ctx, core.System(), r.RequestID, "payer", true)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeInsufficientFunds, ce.Code)

	stored, err := h.Service.Get(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, stored.Status)
}

func TestRespond_WrongPayer_NotAuthorized(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true}, core.UserInfo{UserID: "eve", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 0)
	require.NoError(t, err)

	_, err = h.Service.Respond(ctx, core.System(), r.RequestID, "eve", true)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeNotAuthorized, ce.Code)
}

func TestRespond_AlreadyResponded_Rejected(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 0)
	require.NoError(t, err)
	_, err = h.Service.Respond(ctx, core.System(), r.RequestID, "payer", false)
	require.NoError(t, err)

	_, err = h.Service.Respond(ctx, core.System(), r.RequestID, "payer", true)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeAlreadyResponded, ce.Code)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_ByRequester_Succeeds(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 0)
	require.NoError(t, err)

	updated, err := h.Service.Cancel(ctx, core.System(), r.RequestID, "req")
	require.NoError(t, err)
	assert.Equal(t, core.RequestDeclined, updated.Status)
}

func TestCancel_ByNonRequester_NotAuthorized(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 0)
	require.NoError(t, err)

	_, err = h.Service.Cancel(ctx, core.System(), r.RequestID, "payer")
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeNotAuthorized, ce.Code)
}

// =============================================================================
// EXPIRE DUE
// =============================================================================

func TestRespond_PastDeadline_ExpiresRequestBeforeSweep(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 1)
	require.NoError(t, err)

	// Respond after the deadline, called by the actual payer: authorization
	// passes, then the lazy expiry-on-touch path fires.
	future := r.ExpiresAt.Add(time.Hour)
	fixed := core.FixedClock{At: future}
	h2 := moneyrequest.New(h.Store, fixed, &core.SequentialGen{Prefix: "late"}, core.NewStaticUserDirectory(
		core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true},
	), h.Ledger, audit.New(h.Store, fixed, &core.SequentialGen{Prefix: "late"}, zerolog.Nop()), core.NoopSink{}, zerolog.Nop())

	_, err = h2.Respond(ctx, core.System(), r.RequestID, "payer", true)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeRequestExpired, ce.Code)

	n, err := h2.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n) // already expired by the lazy check above

	stored, err := h2.Get(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestExpired, stored.Status)
}

func TestExpireDue_Idempotent_SecondSweepExpiresNothing(t *testing.T) {
	h := newHarness(t, core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true})
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 1)
	require.NoError(t, err)

	future := r.ExpiresAt.Add(time.Hour)
	fixed := core.FixedClock{At: future}
	h2 := moneyrequest.New(h.Store, fixed, &core.SequentialGen{Prefix: "sweep"}, core.NewStaticUserDirectory(
		core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true},
	), h.Ledger, audit.New(h.Store, fixed, &core.SequentialGen{Prefix: "sweep"}, zerolog.Nop()), core.NoopSink{}, zerolog.Nop())

	n1, err := h2.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := h2.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestRespond_WrongPayerOnExpiredRequest_NotAuthorizedTakesPrecedence(t *testing.T) {
	h := newHarness(t,
		core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true},
		core.UserInfo{UserID: "stranger", Active: true},
	)
	ctx := context.Background()
	r, err := h.Service.Create(ctx, core.System(), "req", "payer", money("5.00"), "", 1)
	require.NoError(t, err)

	// Someone other than the payer responds after the deadline. Authorization
	// is checked first, so this must fail as NOT_AUTHORIZED, not as
	// REQUEST_EXPIRED, even though the request is in fact past its deadline.
	future := r.ExpiresAt.Add(time.Hour)
	fixed := core.FixedClock{At: future}
	h2 := moneyrequest.New(h.Store, fixed, &core.SequentialGen{Prefix: "wrongpayer"}, core.NewStaticUserDirectory(
		core.UserInfo{UserID: "req", Active: true}, core.UserInfo{UserID: "payer", Active: true},
		core.UserInfo{UserID: "stranger", Active: true},
	), h.Ledger, audit.New(h.Store, fixed, &core.SequentialGen{Prefix: "wrongpayer"}, zerolog.Nop()), core.NoopSink{}, zerolog.Nop())

	_, err = h2.Respond(ctx, core.System(), r.RequestID, "stranger", true)
	require.Error(t, err)
	var ce *core.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.CodeNotAuthorized, ce.Code)

	stored, err := h2.Get(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, stored.Status, "the request must still be PENDING since the authorization check rejected before expiry could run")
}
