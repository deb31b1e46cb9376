/*
Package moneyrequest implements the MoneyRequest state machine:

	PENDING --approve--> APPROVED   (terminal)
	PENDING --decline--> DECLINED   (terminal; also requester-cancel)
	PENDING --expire---> EXPIRED    (terminal; now > expires_at)

On approval it runs the ledger's transfer body (sender=payer,
recipient=requester) inside its own transaction; a Transfer precondition
failure (e.g. insufficient payer funds) leaves the request PENDING and
returns the Ledger's error to the caller.
*/
package moneyrequest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
	"github.com/warp/cash-wire/ledger"
)

// Service is the MoneyRequest component.
type Service struct {
	store  core.Store
	clock  core.Clock
	ids    core.IdGen
	users  core.UserDirectory
	ledger *ledger.Ledger
	audit  *audit.Log
	notify core.NotificationSink
	log    zerolog.Logger
}

// New builds a Service.
func New(store core.Store, clock core.Clock, ids core.IdGen, users core.UserDirectory, l *ledger.Ledger, auditLog *audit.Log, notify core.NotificationSink, log zerolog.Logger) *Service {
	return &Service{store: store, clock: clock, ids: ids, users: users, ledger: l, audit: auditLog, notify: notify, log: log.With().Str("component", "moneyrequest").Logger()}
}

func (s *Service) activeUser(userID string) (core.UserInfo, error) {
	info, err := s.users.Lookup(userID)
	if err != nil {
		return core.UserInfo{}, core.Wrap(core.CodeStoreTimeout, "lookup user", err)
	}
	if !info.Found {
		return core.UserInfo{}, core.NewError(core.CodeAccountNotFound, "")
	}
	if !info.Active {
		return core.UserInfo{}, core.NewError(core.CodeUserInactive, "")
	}
	return info, nil
}

// Create opens a new PENDING MoneyRequest from requester to payer (§4.2).
func (s *Service) Create(ctx context.Context, opCtx core.OperationContext, requesterUserID, payerUserID string, amount core.Money, note string, expiresInDays int) (*core.MoneyRequest, error) {
	if requesterUserID == payerUserID {
		return nil, core.NewError(core.CodeSelfTransfer, "")
	}
	if !amount.IsPositive() {
		return nil, core.NewError(core.CodeInvalidAmount, "")
	}
	if len(note) > core.MaxNoteLength {
		return nil, core.NewError(core.CodeValidationError, "note exceeds maximum length")
	}
	if expiresInDays == 0 {
		expiresInDays = core.RequestDefaultExpiryDays
	}
	if expiresInDays < 1 || expiresInDays > core.RequestMaxExpiryDays {
		return nil, core.NewError(core.CodeValidationError, "expires_in_days must be between 1 and 30")
	}
	if _, err := s.activeUser(requesterUserID); err != nil {
		return nil, err
	}
	if _, err := s.activeUser(payerUserID); err != nil {
		return nil, err
	}

	var created core.MoneyRequest
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		now := s.clock.Now()
		existing, err := tx.FindLivePendingRequest(ctx, requesterUserID, payerUserID, now)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "find live pending request", err)
		}
		if existing != nil {
			return core.NewError(core.CodeDuplicateRequest, "")
		}

		created = core.MoneyRequest{
			RequestID:       s.ids.New(),
			RequesterUserID: requesterUserID,
			PayerUserID:     payerUserID,
			Amount:          amount,
			Note:            note,
			Status:          core.RequestPending,
			CreatedAt:       now,
			ExpiresAt:       now.AddDate(0, 0, expiresInDays),
		}
		if err := tx.InsertMoneyRequest(ctx, created); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "insert money request", err)
		}
		return s.audit.Append(ctx, tx, opCtx, "MONEY_REQUEST_CREATED", "MoneyRequest", created.RequestID, nil, map[string]any{
			"requester_user_id": requesterUserID, "payer_user_id": payerUserID, "amount": amount.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.emitBestEffort(ctx, opCtx, core.EventRequestCreated, map[string]any{"request_id": created.RequestID})
	return &created, nil
}

// expireIfDue transitions r to EXPIRED in place if its deadline has passed,
// using tx so the transition commits with whatever the caller is already
// doing. Returns true if it expired r.
func (s *Service) expireIfDue(ctx context.Context, tx core.Store, r *core.MoneyRequest, now time.Time) (bool, error) {
	if r.Status != core.RequestPending || !now.After(r.ExpiresAt) {
		return false, nil
	}
	r.Status = core.RequestExpired
	r.RespondedAt = &now
	if err := tx.UpdateMoneyRequest(ctx, *r); err != nil {
		return false, core.Wrap(core.CodeStoreTimeout, "update money request", err)
	}
	if err := s.audit.Append(ctx, tx, core.System(), "MONEY_REQUEST_EXPIRED", "MoneyRequest", r.RequestID, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Respond approves or declines a PENDING request from its payer (§4.2). An
// approval whose Transfer precondition fails (e.g. insufficient payer
// funds) leaves the request PENDING: the error still surfaces, but the
// request can be retried.
func (s *Service) Respond(ctx context.Context, opCtx core.OperationContext, requestID, responderUserID string, approve bool) (*core.MoneyRequest, error) {
	var updated core.MoneyRequest
	var transferErr, expiredErr error

	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := tx.LockMoneyRequest(ctx, requestID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock money request", err)
		}
		if r == nil {
			return core.NewError(core.CodeValidationError, "request not found")
		}
		if r.PayerUserID != responderUserID {
			return core.NewError(core.CodeNotAuthorized, "")
		}
		now := s.clock.Now()
		if expired, err := s.expireIfDue(ctx, tx, r, now); err != nil {
			return err
		} else if expired {
			expiredErr = core.NewError(core.CodeRequestExpired, "")
			return nil // commit the EXPIRED transition, then reject
		}
		if r.Status != core.RequestPending {
			return core.NewError(core.CodeAlreadyResponded, "")
		}

		if !approve {
			r.Status = core.RequestDeclined
			r.RespondedAt = &now
			if err := tx.UpdateMoneyRequest(ctx, *r); err != nil {
				return core.Wrap(core.CodeStoreTimeout, "update money request", err)
			}
			if err := s.audit.Append(ctx, tx, opCtx, "MONEY_REQUEST_DECLINED", "MoneyRequest", r.RequestID, nil, nil); err != nil {
				return err
			}
			updated = *r
			return nil
		}

		// Approval: invoke the transfer inline, reusing this same Store
		// transaction rather than opening a nested one (core.Store.WithTx
		// is not re-entrant across packages, so the ledger's atomic body is
		// run here against tx). A precondition failure never writes the
		// request row as APPROVED: the transaction commits only the failure
		// records, and the caller sees the Ledger's error with the request
		// still PENDING. A store error rolls everything back.
		result, err := s.ledger.TransferTx(ctx, tx, opCtx, r.PayerUserID, r.RequesterUserID, r.Amount, "Money Request", requestMemo(r.RequestID))
		if err != nil {
			transferErr = err
			// Record the failed-approval audit entry; the request row itself
			// is untouched.
			if auditErr := s.audit.Append(ctx, tx, opCtx, "MONEY_REQUEST_APPROVAL_FAILED", "MoneyRequest", r.RequestID, nil, map[string]any{
				"error": err.Error(),
			}); auditErr != nil {
				return auditErr
			}
			if ce, ok := err.(*core.CoreError); ok && ce.Code != core.CodeStoreTimeout {
				return nil
			}
			return err
		}

		r.Status = core.RequestApproved
		r.RespondedAt = &now
		r.TxID = result.Tx.TxID
		if err := tx.UpdateMoneyRequest(ctx, *r); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "update money request", err)
		}
		if err := s.audit.Append(ctx, tx, opCtx, "MONEY_REQUEST_APPROVED", "MoneyRequest", r.RequestID, nil, map[string]any{
			"tx_id": result.Tx.TxID, "amount": r.Amount.String(),
		}); err != nil {
			return err
		}
		updated = *r
		return nil
	})

	if transferErr != nil {
		// The approval's own failure is the transfer's: surface it
		// unchanged so the caller sees INSUFFICIENT_FUNDS etc, while the
		// request itself remains PENDING in the store (no APPROVED write
		// was made).
		return nil, transferErr
	}
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}

	s.emitBestEffort(ctx, opCtx, core.EventRequestResponded, map[string]any{"request_id": updated.RequestID, "approved": approve})
	return &updated, nil
}

func requestMemo(requestID string) string {
	return "Payment for request: " + requestID
}

// Cancel lets the requester withdraw their own PENDING request (§4.2).
func (s *Service) Cancel(ctx context.Context, opCtx core.OperationContext, requestID, cancellerUserID string) (*core.MoneyRequest, error) {
	var updated core.MoneyRequest
	var expiredErr error
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := tx.LockMoneyRequest(ctx, requestID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock money request", err)
		}
		if r == nil {
			return core.NewError(core.CodeValidationError, "request not found")
		}
		now := s.clock.Now()
		if expired, err := s.expireIfDue(ctx, tx, r, now); err != nil {
			return err
		} else if expired {
			expiredErr = core.NewError(core.CodeRequestExpired, "")
			return nil // commit the EXPIRED transition, then reject
		}
		if r.RequesterUserID != cancellerUserID {
			return core.NewError(core.CodeNotAuthorized, "")
		}
		if r.Status != core.RequestPending {
			return core.NewError(core.CodeAlreadyResponded, "")
		}
		r.Status = core.RequestDeclined
		r.RespondedAt = &now
		if err := tx.UpdateMoneyRequest(ctx, *r); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "update money request", err)
		}
		if err := s.audit.Append(ctx, tx, opCtx, "MONEY_REQUEST_CANCELLED", "MoneyRequest", r.RequestID, nil, nil); err != nil {
			return err
		}
		updated = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}
	return &updated, nil
}

// ExpireDue sweeps every PENDING request whose expires_at has passed and
// transitions it to EXPIRED. Idempotent: a second run finds nothing PENDING
// left to expire and produces no new audit entries.
func (s *Service) ExpireDue(ctx context.Context) (expired int, err error) {
	now := s.clock.Now()
	due, err := s.store.ListDuePending(ctx, now)
	if err != nil {
		return 0, core.Wrap(core.CodeStoreTimeout, "list due pending requests", err)
	}
	for _, r := range due {
		r := r
		txErr := s.store.WithTx(ctx, func(tx core.Store) error {
			locked, err := tx.LockMoneyRequest(ctx, r.RequestID)
			if err != nil {
				return core.Wrap(core.CodeStoreTimeout, "lock money request", err)
			}
			if locked == nil || locked.Status != core.RequestPending || !now.After(locked.ExpiresAt) {
				return nil // already transitioned by a concurrent sweep
			}
			did, err := s.expireIfDue(ctx, tx, locked, now)
			if err == nil && did {
				expired++
			}
			return err
		})
		if txErr != nil {
			return expired, txErr
		}
	}
	return expired, nil
}

// Get returns a single MoneyRequest by id.
func (s *Service) Get(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	r, err := s.store.GetMoneyRequest(ctx, requestID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "get money request", err)
	}
	return r, nil
}

// ListForPayer lists requests awaiting (or resolved by) payerUserID.
func (s *Service) ListForPayer(ctx context.Context, payerUserID string, limit, offset int) ([]core.MoneyRequest, error) {
	return s.store.ListMoneyRequests(ctx, core.RequestFilter{PayerUserID: payerUserID}, limit, offset)
}

// ListForRequester lists requests sent by requesterUserID.
func (s *Service) ListForRequester(ctx context.Context, requesterUserID string, limit, offset int) ([]core.MoneyRequest, error) {
	return s.store.ListMoneyRequests(ctx, core.RequestFilter{RequesterUserID: requesterUserID}, limit, offset)
}

func (s *Service) emitBestEffort(ctx context.Context, opCtx core.OperationContext, kind core.EventKind, data map[string]any) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Emit(core.NotificationEvent{Kind: kind, Data: data}); err != nil {
		s.log.Warn().Err(err).Str("event", string(kind)).Msg("notification failed")
		_ = s.store.WithTx(ctx, func(tx core.Store) error {
			return s.audit.Append(ctx, tx, opCtx, "NOTIFICATION_FAILED", "Notification", "", nil, map[string]any{
				"event": string(kind), "error": err.Error(),
			})
		})
	}
}
