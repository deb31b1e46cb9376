/*
Package eventpool implements collective-funding pools: ACTIVE pools accept
Contribute calls, which debit the contributor via a dedicated
EVENT_CONTRIBUTION-kind Transaction (never a retagged TRANSFER); pools
transition ACTIVE -> {CLOSED, CANCELLED}, both terminal.
*/
package eventpool

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
)

// Service is the EventPool component.
type Service struct {
	store  core.Store
	clock  core.Clock
	ids    core.IdGen
	users  core.UserDirectory
	audit  *audit.Log
	notify core.NotificationSink
	log    zerolog.Logger
}

// New builds a Service.
func New(store core.Store, clock core.Clock, ids core.IdGen, users core.UserDirectory, auditLog *audit.Log, notify core.NotificationSink, log zerolog.Logger) *Service {
	return &Service{store: store, clock: clock, ids: ids, users: users, audit: auditLog, notify: notify, log: log.With().Str("component", "eventpool").Logger()}
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

// CreateParams is the validated input to Create. TargetAmount and Deadline
// are optional.
type CreateParams struct {
	CreatorUserID string
	Name          string
	Description   string
	TargetAmount  *core.Money
	Deadline      *time.Time
}

// Create opens a new ACTIVE EventPool (§4.3).
func (s *Service) Create(ctx context.Context, opCtx core.OperationContext, p CreateParams) (*core.EventPool, error) {
	if _, err := s.activeUser(p.CreatorUserID); err != nil {
		return nil, err
	}
	if p.Name == "" || len(p.Name) > 255 {
		return nil, core.NewError(core.CodeValidationError, "name must be 1-255 characters")
	}
	if p.Description == "" || len(p.Description) > 1000 {
		return nil, core.NewError(core.CodeValidationError, "description must be 1-1000 characters")
	}
	if p.TargetAmount != nil && !p.TargetAmount.IsPositive() {
		return nil, core.NewError(core.CodeInvalidAmount, "target_amount must be positive")
	}
	now := s.clock.Now()
	if p.Deadline != nil && !p.Deadline.After(now) {
		return nil, core.NewError(core.CodeValidationError, "deadline must be in the future")
	}

	pool := core.EventPool{
		EventID:       s.ids.New(),
		CreatorUserID: p.CreatorUserID,
		Name:          p.Name,
		Description:   p.Description,
		TargetAmount:  p.TargetAmount,
		Deadline:      p.Deadline,
		Status:        core.EventActive,
		CreatedAt:     now,
	}
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		if err := tx.InsertEventPool(ctx, pool); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "insert event pool", err)
		}
		return s.audit.Append(ctx, tx, opCtx, "EVENT_CREATED", "EventPool", pool.EventID, nil, map[string]any{
			"creator_user_id": p.CreatorUserID, "name": p.Name,
		})
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// Contribute debits contributor by amount into eventID's pool (§4.3).
func (s *Service) Contribute(ctx context.Context, opCtx core.OperationContext, contributorUserID, eventID string, amount core.Money, note string) (*core.Transaction, error) {
	if !amount.IsPositive() {
		return nil, core.NewError(core.CodeInvalidAmount, "")
	}
	if len(note) > core.MaxNoteLength {
		return nil, core.NewError(core.CodeValidationError, "note exceeds maximum length")
	}
	if _, err := s.activeUser(contributorUserID); err != nil {
		return nil, err
	}

	var tx core.Transaction
	err := s.store.WithTx(ctx, func(store core.Store) error {
		pool, err := store.LockEventPool(ctx, eventID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock event pool", err)
		}
		if pool == nil {
			return core.NewError(core.CodeValidationError, "event pool not found")
		}
		if pool.Status != core.EventActive {
			return core.NewError(core.CodeEventInactive, "")
		}
		now := s.clock.Now()
		if pool.Deadline != nil && now.After(*pool.Deadline) {
			return core.NewError(core.CodeDeadlinePassed, "")
		}

		acc, err := store.LockAccountByUserID(ctx, contributorUserID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock account", err)
		}
		if acc == nil {
			return core.NewError(core.CodeAccountNotFound, "")
		}
		newBalance := acc.Balance.Sub(amount)
		if newBalance.LessThan(core.MinBalance) {
			return core.NewError(core.CodeInsufficientFunds, "")
		}

		if err := store.UpdateAccountBalance(ctx, acc.AccountID, newBalance, now); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "debit contributor", err)
		}

		tx = core.Transaction{
			TxID: s.ids.New(), Kind: core.TxEventContribution, SenderUserID: contributorUserID,
			EventID: eventID, Amount: amount, Note: note, Status: core.TxCompleted,
			CreatedAt: now, ProcessedAt: &now,
		}
		if err := store.InsertTransaction(ctx, tx); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "insert contribution", err)
		}
		return s.audit.Append(ctx, store, opCtx, "EVENT_CONTRIBUTION_MADE", "EventPool", eventID, nil, map[string]any{
			"contributor_user_id": contributorUserID, "amount": amount.String(), "tx_id": tx.TxID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.emitBestEffort(ctx, opCtx, core.EventContributionMade, map[string]any{"event_id": eventID, "tx_id": tx.TxID})
	return &tx, nil
}

func (s *Service) authorizedForClose(userID string, pool *core.EventPool) error {
	if userID == pool.CreatorUserID {
		return nil
	}
	info, err := s.users.Lookup(userID)
	if err != nil {
		return core.Wrap(core.CodeStoreTimeout, "lookup user", err)
	}
	if info.Found && (info.Role == core.RoleAdmin || info.Role == core.RoleFinance) {
		return nil
	}
	return core.NewError(core.CodeNotAuthorized, "")
}

// Close transitions an ACTIVE pool to CLOSED (§4.3), emitting a
// FINANCE_NOTIFICATION_REQUIRED system audit entry carrying the pool's
// final totals for the external finance workflow that disburses funds.
func (s *Service) Close(ctx context.Context, opCtx core.OperationContext, eventID, closerUserID string) (*core.EventPool, error) {
	var updated core.EventPool
	var total core.Money
	var contributors int
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		pool, err := tx.LockEventPool(ctx, eventID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock event pool", err)
		}
		if pool == nil {
			return core.NewError(core.CodeValidationError, "event pool not found")
		}
		if err := s.authorizedForClose(closerUserID, pool); err != nil {
			return err
		}
		if pool.Status != core.EventActive {
			return core.NewError(core.CodeEventInactive, "")
		}
		total, contributors, err = tx.SumCompletedContributions(ctx, eventID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "sum contributions", err)
		}

		now := s.clock.Now()
		pool.Status = core.EventClosed
		pool.ClosedAt = &now
		if err := tx.UpdateEventPool(ctx, *pool); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "update event pool", err)
		}
		if err := s.audit.Append(ctx, tx, opCtx, "EVENT_CLOSED", "EventPool", eventID, nil, map[string]any{
			"total_contributions": total.String(), "contributor_count": contributors,
		}); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, tx, core.System(), "FINANCE_NOTIFICATION_REQUIRED", "EventPool", eventID, nil, map[string]any{
			"event_id": eventID, "total_contributions": total.String(), "contributor_count": contributors,
		}); err != nil {
			return err
		}
		updated = *pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emitBestEffort(ctx, opCtx, core.EventEventClosed, map[string]any{"event_id": eventID, "total_contributions": total.String()})
	return &updated, nil
}

// Cancel transitions an ACTIVE pool with zero contributions to CANCELLED
// (I12); with any contributions it rejects with CANCEL_WITH_CONTRIBUTIONS,
// directing the caller to Close instead.
func (s *Service) Cancel(ctx context.Context, opCtx core.OperationContext, eventID, cancellerUserID string) (*core.EventPool, error) {
	var updated core.EventPool
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		pool, err := tx.LockEventPool(ctx, eventID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "lock event pool", err)
		}
		if pool == nil {
			return core.NewError(core.CodeValidationError, "event pool not found")
		}
		if err := s.authorizedForClose(cancellerUserID, pool); err != nil {
			return err
		}
		if pool.Status != core.EventActive {
			return core.NewError(core.CodeEventInactive, "")
		}
		total, _, err := tx.SumCompletedContributions(ctx, eventID)
		if err != nil {
			return core.Wrap(core.CodeStoreTimeout, "sum contributions", err)
		}
		if !total.IsZero() {
			return core.NewError(core.CodeCancelWithContribution, "")
		}
		pool.Status = core.EventCancelled
		if err := tx.UpdateEventPool(ctx, *pool); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "update event pool", err)
		}
		if err := s.audit.Append(ctx, tx, opCtx, "EVENT_CANCELLED", "EventPool", eventID, nil, nil); err != nil {
			return err
		}
		updated = *pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Stats are the derived figures for an EventPool (§4.3 Queries).
type Stats struct {
	TotalContributions core.Money
	ContributorCount   int
	ProgressPercentage *float64 // nil when no target_amount is set
}

// GetStats derives total_contributions, contributor_count, and (if a
// target_amount is set) progress_percentage for eventID.
func (s *Service) GetStats(ctx context.Context, eventID string) (*Stats, error) {
	total, count, err := s.store.SumCompletedContributions(ctx, eventID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "sum contributions", err)
	}
	stats := &Stats{TotalContributions: total, ContributorCount: count}
	pool, err := s.store.GetEventPool(ctx, eventID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "get event pool", err)
	}
	if pool != nil && pool.TargetAmount != nil && pool.TargetAmount.IsPositive() {
		ratio, _ := total.DivRound(*pool.TargetAmount, 4).Float64()
		progress := ratio * 100
		if progress > 100 {
			progress = 100
		}
		stats.ProgressPercentage = &progress
	}
	return stats, nil
}

// Get returns a single EventPool by id.
func (s *Service) Get(ctx context.Context, eventID string) (*core.EventPool, error) {
	return s.store.GetEventPool(ctx, eventID)
}

// ListActive lists every ACTIVE pool.
func (s *Service) ListActive(ctx context.Context, limit, offset int) ([]core.EventPool, error) {
	return s.store.ListEventPools(ctx, core.EventFilter{Status: core.EventActive, HasStatus: true}, limit, offset)
}

// ListByCreator lists pools created by creatorUserID, optionally filtered
// by status.
func (s *Service) ListByCreator(ctx context.Context, creatorUserID string, status *core.EventStatus, limit, offset int) ([]core.EventPool, error) {
	filter := core.EventFilter{CreatorUserID: creatorUserID}
	if status != nil {
		filter.Status, filter.HasStatus = *status, true
	}
	return s.store.ListEventPools(ctx, filter, limit, offset)
}

// ListContributions lists every Transaction contributed to eventID.
func (s *Service) ListContributions(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return s.store.ListTransactionsByEvent(ctx, eventID)
}

// ListUserContributions lists every contribution userID has made, across
// all pools.
func (s *Service) ListUserContributions(ctx context.Context, userID string, limit, offset int) ([]core.Transaction, error) {
	txs, err := s.store.ListTransactionsBySender(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.Kind == core.TxEventContribution {
			out = append(out, t)
		}
	}
	return out, nil
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
