/*
Package ledger is the sole mutator of Account.balance.

It owns GetBalance, ValidateLimits, Transfer, and BulkTransfer, each
running its preconditions, mutations, and audit append inside exactly one
core.Store transaction (§5 of the design). Canonical lock ordering
(ascending account_id, realized here as ascending UserID since accounts are
1:1 with users and the Store keys locks by user id) prevents deadlock
whenever an operation touches more than one account.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
)

// Ledger is the accounts-and-transactions engine.
type Ledger struct {
	store   core.Store
	clock   core.Clock
	ids     core.IdGen
	users   core.UserDirectory
	audit   *audit.Log
	notify  core.NotificationSink
	log     zerolog.Logger
	retries int
}

// New builds a Ledger. Transfer and BulkTransfer retry a STORE_TIMEOUT
// failure up to 3 times before surfacing the error.
func New(store core.Store, clock core.Clock, ids core.IdGen, users core.UserDirectory, auditLog *audit.Log, notify core.NotificationSink, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, clock: clock, ids: ids, users: users, audit: auditLog, notify: notify, log: log.With().Str("component", "ledger").Logger(), retries: 3}
}

// Store exposes the underlying Store for read-only queries (transaction
// history listings) that don't belong to the Ledger's own API surface.
func (l *Ledger) Store() core.Store {
	return l.store
}

// OpenAccount creates the Account for userID, if one does not already
// exist. Called when UserDirectory observes a new user (I2); idempotent.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (*core.Account, error) {
	existing, err := l.store.GetAccountByUserID(ctx, userID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "lookup account", err)
	}
	if existing != nil {
		return existing, nil
	}
	now := l.clock.Now()
	a := core.Account{
		AccountID: l.ids.New(),
		UserID:    userID,
		Balance:   core.Zero(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "create account", err)
	}
	return &a, nil
}

// GetBalance returns (balance, available_balance) where available_balance
// is headroom including overdraft (balance − MIN_BALANCE).
func (l *Ledger) GetBalance(ctx context.Context, userID string) (balance, available core.Money, err error) {
	a, err := l.store.GetAccountByUserID(ctx, userID)
	if err != nil {
		return core.Zero(), core.Zero(), core.Wrap(core.CodeStoreTimeout, "lookup account", err)
	}
	if a == nil {
		return core.Zero(), core.Zero(), core.NewError(core.CodeAccountNotFound, "")
	}
	return a.Balance, a.Balance.Sub(core.MinBalance), nil
}

// LimitCheck is the result of ValidateLimits.
type LimitCheck struct {
	Valid      bool
	NewBalance core.Money
	Warnings   []core.Code
	Errors     []core.Code
}

const codeApproachingOverdraft core.Code = "APPROACHING_OVERDRAFT"

// ValidateLimits reports whether applying delta to userID's balance would
// breach I1, without mutating anything.
func (l *Ledger) ValidateLimits(ctx context.Context, userID string, delta core.Money) (LimitCheck, error) {
	a, err := l.store.GetAccountByUserID(ctx, userID)
	if err != nil {
		return LimitCheck{}, core.Wrap(core.CodeStoreTimeout, "lookup account", err)
	}
	if a == nil {
		return LimitCheck{}, core.NewError(core.CodeAccountNotFound, "")
	}
	return validateLimits(a.Balance, delta), nil
}

func validateLimits(balance, delta core.Money) LimitCheck {
	newBalance := balance.Add(delta)
	check := LimitCheck{NewBalance: newBalance, Valid: true}
	if newBalance.LessThan(core.MinBalance) {
		check.Valid = false
		check.Errors = append(check.Errors, core.CodeInsufficientFunds)
	}
	if newBalance.GreaterThan(core.MaxBalance) {
		check.Valid = false
		check.Errors = append(check.Errors, core.CodeBalanceLimitExceeded)
	}
	if delta.IsNegative() && newBalance.GreaterThanOrEqual(core.MinBalance) && newBalance.LessThanOrEqual(core.MinBalance.Add(core.OverdraftWarningThreshold)) {
		check.Warnings = append(check.Warnings, codeApproachingOverdraft)
	}
	return check
}

// TransferResult is the outcome of a successful Transfer.
type TransferResult struct {
	Tx               core.Transaction
	SenderBalance    core.Money
	RecipientBalance core.Money
	Warnings         []core.Code
}

// Transfer moves amount from sender to recipient atomically. See §4.1.
func (l *Ledger) Transfer(ctx context.Context, opCtx core.OperationContext, sender, recipient string, amount core.Money, category, note string) (*TransferResult, error) {
	if err := validateTransferShape(sender, recipient, amount, category, note); err != nil {
		return nil, err
	}

	var result *TransferResult
	err := withRetry(l.retries, func() error {
		var innerErr error
		result, innerErr = l.transferOnce(ctx, opCtx, sender, recipient, amount, category, note)
		return innerErr
	})
	if err != nil {
		l.log.Warn().Str("sender", sender).Str("recipient", recipient).Str("amount", amount.String()).Err(err).Msg("transfer failed")
		return nil, err
	}
	l.log.Info().Str("tx_id", result.Tx.TxID).Str("sender", sender).Str("recipient", recipient).Str("amount", amount.String()).Msg("transfer completed")
	l.emitBestEffort(ctx, opCtx, core.EventTransferCompleted, map[string]any{
		"tx_id": result.Tx.TxID, "sender_user_id": sender, "recipient_user_id": recipient, "amount": amount.String(),
	})
	return result, nil
}

func validateTransferShape(sender, recipient string, amount core.Money, category, note string) error {
	if sender == recipient {
		return core.NewError(core.CodeSelfTransfer, "")
	}
	if !amount.IsPositive() {
		return core.NewError(core.CodeInvalidAmount, "")
	}
	if len(note) > core.MaxNoteLength {
		return core.NewError(core.CodeValidationError, "note exceeds maximum length")
	}
	if len(category) > core.MaxCategoryLength {
		return core.NewError(core.CodeValidationError, "category exceeds maximum length")
	}
	return nil
}

// transferOnce runs one attempt of the atomic transfer body, inside a
// single Store transaction; callers wrap it with withRetry for transient
// store errors. A limit failure commits the FAILED Transaction and its
// audit entry written by TransferTx, then returns the limit error.
func (l *Ledger) transferOnce(ctx context.Context, opCtx core.OperationContext, sender, recipient string, amount core.Money, category, note string) (*TransferResult, error) {
	var result *TransferResult
	var limitErr error
	txErr := l.store.WithTx(ctx, func(tx core.Store) error {
		var innerErr error
		result, innerErr = l.TransferTx(ctx, tx, opCtx, sender, recipient, amount, category, note)
		if ce, ok := innerErr.(*core.CoreError); ok && (ce.Code == core.CodeInsufficientFunds || ce.Code == core.CodeBalanceLimitExceeded) {
			limitErr = innerErr
			return nil
		}
		return innerErr
	})
	if txErr != nil {
		return nil, txErr
	}
	if limitErr != nil {
		return nil, limitErr
	}
	return result, nil
}

// TransferTx runs the atomic transfer body against tx, a Store already
// bound to a live transaction — used both by transferOnce (which opens its
// own WithTx) and by package moneyrequest, which needs the transfer to
// commit or roll back together with a MoneyRequest's status change. Callers
// passing their own tx are responsible for the transaction boundary and for
// retrying transient errors if they want that; TransferTx itself never
// retries.
func (l *Ledger) TransferTx(ctx context.Context, tx core.Store, opCtx core.OperationContext, sender, recipient string, amount core.Money, category, note string) (*TransferResult, error) {
	if err := validateTransferShape(sender, recipient, amount, category, note); err != nil {
		return nil, err
	}

	first, second := sender, recipient
	if second < first {
		first, second = second, first
	}
	accFirst, err := l.lockActive(ctx, tx, first)
	if err != nil {
		return nil, err
	}
	accSecond, err := l.lockActive(ctx, tx, second)
	if err != nil {
		return nil, err
	}
	senderAcc, recipientAcc := accFirst, accSecond
	if first != sender {
		senderAcc, recipientAcc = accSecond, accFirst
	}

	senderCheck := validateLimits(senderAcc.Balance, amount.Neg())
	recipientCheck := validateLimits(recipientAcc.Balance, amount)

	now := l.clock.Now()
	txID := l.ids.New()

	if !senderCheck.Valid || !recipientCheck.Valid {
		code := core.CodeInsufficientFunds
		if len(senderCheck.Errors) > 0 {
			code = senderCheck.Errors[0]
		} else if len(recipientCheck.Errors) > 0 {
			code = recipientCheck.Errors[0]
		}
		failedTx := core.Transaction{
			TxID: txID, Kind: core.TxTransfer, SenderUserID: sender, RecipientUserID: recipient,
			Amount: amount, Category: category, Note: note, Status: core.TxFailed, FailureCode: code,
			CreatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, failedTx); err != nil {
			return nil, core.Wrap(core.CodeStoreTimeout, "insert failed transaction", err)
		}
		if err := l.audit.Append(ctx, tx, opCtx, "TRANSACTION_FAILED", "Transaction", txID, nil, map[string]any{
			"sender_user_id": sender, "recipient_user_id": recipient, "amount": amount.String(), "code": string(code),
		}); err != nil {
			return nil, err
		}
		return nil, core.NewError(code, "")
	}

	if err := tx.UpdateAccountBalance(ctx, senderAcc.AccountID, senderCheck.NewBalance, now); err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "debit sender", err)
	}
	if err := tx.UpdateAccountBalance(ctx, recipientAcc.AccountID, recipientCheck.NewBalance, now); err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "credit recipient", err)
	}
	completedTx := core.Transaction{
		TxID: txID, Kind: core.TxTransfer, SenderUserID: sender, RecipientUserID: recipient,
		Amount: amount, Category: category, Note: note, Status: core.TxCompleted,
		CreatedAt: now, ProcessedAt: &now,
	}
	if err := tx.InsertTransaction(ctx, completedTx); err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "insert transaction", err)
	}
	if err := l.audit.Append(ctx, tx, opCtx, "TRANSACTION_CREATED", "Transaction", txID, nil, map[string]any{
		"sender_user_id": sender, "recipient_user_id": recipient, "amount": amount.String(), "category": category,
	}); err != nil {
		return nil, err
	}
	if err := l.audit.Append(ctx, tx, opCtx, "ACCOUNT_BALANCE_CHANGED", "Account", senderAcc.AccountID,
		map[string]any{"balance": senderAcc.Balance.String()}, map[string]any{"balance": senderCheck.NewBalance.String(), "tx_id": txID}); err != nil {
		return nil, err
	}
	if err := l.audit.Append(ctx, tx, opCtx, "ACCOUNT_BALANCE_CHANGED", "Account", recipientAcc.AccountID,
		map[string]any{"balance": recipientAcc.Balance.String()}, map[string]any{"balance": recipientCheck.NewBalance.String(), "tx_id": txID}); err != nil {
		return nil, err
	}

	return &TransferResult{
		Tx: completedTx, SenderBalance: senderCheck.NewBalance, RecipientBalance: recipientCheck.NewBalance,
		Warnings: append(append([]core.Code{}, senderCheck.Warnings...), recipientCheck.Warnings...),
	}, nil
}

func (l *Ledger) lockActive(ctx context.Context, tx core.Store, userID string) (*core.Account, error) {
	info, err := l.users.Lookup(userID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "lookup user", err)
	}
	if !info.Found {
		return nil, core.NewError(core.CodeAccountNotFound, "")
	}
	if !info.Active {
		return nil, core.NewError(core.CodeUserInactive, "")
	}
	a, err := tx.LockAccountByUserID(ctx, userID)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "lock account", err)
	}
	if a == nil {
		return nil, core.NewError(core.CodeAccountNotFound, "")
	}
	return a, nil
}

// BulkRecipient is one target of a BulkTransfer.
type BulkRecipient struct {
	RecipientUserID string
	Amount          core.Money
	Category        string
	Note            string
}

// BulkResult is the outcome of a successful BulkTransfer.
type BulkResult struct {
	SenderBalanceAfter core.Money
	TotalAmount        core.Money
	Transactions       []core.Transaction
}

// BulkTransferError additionally carries which recipient (by index in the
// original request) caused an all-or-nothing rejection, or -1 when the
// failure is the sender's own balance rather than any single recipient.
type BulkTransferError struct {
	*core.CoreError
	RecipientIndex int
}

// BulkTransfer moves amount_i from sender to each recipient_i, atomically:
// either every sub-transfer succeeds or none do. See §4.1.
func (l *Ledger) BulkTransfer(ctx context.Context, opCtx core.OperationContext, sender string, recipients []BulkRecipient) (*BulkResult, error) {
	if len(recipients) == 0 || len(recipients) > core.MaxBulkRecipients {
		return nil, core.NewError(core.CodeTooManyRecipients, "")
	}
	total := core.Zero()
	for i, r := range recipients {
		if r.RecipientUserID == sender {
			return nil, &BulkTransferError{CoreError: core.NewError(core.CodeSelfTransfer, ""), RecipientIndex: i}
		}
		if !r.Amount.IsPositive() {
			return nil, &BulkTransferError{CoreError: core.NewError(core.CodeInvalidAmount, ""), RecipientIndex: i}
		}
		total = total.Add(r.Amount)
	}

	var result *BulkResult
	err := withRetry(l.retries, func() error {
		var innerErr error
		result, innerErr = l.bulkTransferOnce(ctx, opCtx, sender, recipients, total)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	txIDs := make([]string, 0, len(result.Transactions))
	for _, t := range result.Transactions {
		txIDs = append(txIDs, t.TxID)
	}
	l.emitBestEffort(ctx, opCtx, core.EventBulkCompleted, map[string]any{
		"sender_user_id": sender, "total_amount": total.String(), "tx_ids": txIDs,
	})
	return result, nil
}

func (l *Ledger) bulkTransferOnce(ctx context.Context, opCtx core.OperationContext, sender string, recipients []BulkRecipient, total core.Money) (*BulkResult, error) {
	type indexed struct {
		req           BulkRecipient
		originalIndex int
	}
	sorted := make([]indexed, len(recipients))
	for i, r := range recipients {
		sorted[i] = indexed{req: r, originalIndex: i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].req.RecipientUserID < sorted[j].req.RecipientUserID })

	var result *BulkResult
	txErr := l.store.WithTx(ctx, func(tx core.Store) error {
		senderAcc, err := l.lockActive(ctx, tx, sender)
		if err != nil {
			return err
		}
		senderCheck := validateLimits(senderAcc.Balance, total.Neg())
		if !senderCheck.Valid {
			// Not about any one recipient: the sender's own balance can't
			// absorb the total. RecipientIndex -1 signals "no single
			// recipient is at fault".
			return &BulkTransferError{CoreError: core.NewError(senderCheck.Errors[0], ""), RecipientIndex: -1}
		}

		type locked struct {
			acc           *core.Account
			check         LimitCheck
			req           BulkRecipient
			originalIndex int
		}
		lockedRecipients := make([]locked, 0, len(sorted))
		for _, r := range sorted {
			acc, err := l.lockActive(ctx, tx, r.req.RecipientUserID)
			if err != nil {
				return err
			}
			check := validateLimits(acc.Balance, r.req.Amount)
			if !check.Valid {
				return &BulkTransferError{CoreError: core.NewError(check.Errors[0], ""), RecipientIndex: r.originalIndex}
			}
			lockedRecipients = append(lockedRecipients, locked{acc: acc, check: check, req: r.req, originalIndex: r.originalIndex})
		}

		now := l.clock.Now()
		if err := tx.UpdateAccountBalance(ctx, senderAcc.AccountID, senderCheck.NewBalance, now); err != nil {
			return core.Wrap(core.CodeStoreTimeout, "debit sender", err)
		}

		txs := make([]core.Transaction, 0, len(lockedRecipients))
		txIDs := make([]string, 0, len(lockedRecipients))
		for _, lr := range lockedRecipients {
			txID := l.ids.New()
			if err := tx.UpdateAccountBalance(ctx, lr.acc.AccountID, lr.check.NewBalance, now); err != nil {
				return core.Wrap(core.CodeStoreTimeout, "credit recipient", err)
			}
			t := core.Transaction{
				TxID: txID, Kind: core.TxTransfer, SenderUserID: sender, RecipientUserID: lr.req.RecipientUserID,
				Amount: lr.req.Amount, Category: lr.req.Category, Note: lr.req.Note, Status: core.TxCompleted,
				CreatedAt: now, ProcessedAt: &now,
			}
			if err := tx.InsertTransaction(ctx, t); err != nil {
				return core.Wrap(core.CodeStoreTimeout, "insert transaction", err)
			}
			if err := l.audit.Append(ctx, tx, opCtx, "TRANSACTION_CREATED", "Transaction", txID, nil, map[string]any{
				"sender_user_id": sender, "recipient_user_id": lr.req.RecipientUserID, "amount": lr.req.Amount.String(),
			}); err != nil {
				return err
			}
			txs = append(txs, t)
			txIDs = append(txIDs, txID)
		}

		if err := l.audit.Append(ctx, tx, opCtx, "BULK_TRANSFER_COMPLETED", "Account", senderAcc.AccountID, nil, map[string]any{
			"total_amount": total.String(), "recipient_count": len(lockedRecipients), "tx_ids": txIDs,
		}); err != nil {
			return err
		}

		result = &BulkResult{SenderBalanceAfter: senderCheck.NewBalance, TotalAmount: total, Transactions: txs}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

func (l *Ledger) emitBestEffort(ctx context.Context, opCtx core.OperationContext, kind core.EventKind, data map[string]any) {
	if l.notify == nil {
		return
	}
	if err := l.notify.Emit(core.NotificationEvent{Kind: kind, Data: data}); err != nil {
		l.log.Warn().Err(err).Str("event", string(kind)).Msg("notification failed")
		_ = l.store.WithTx(ctx, func(tx core.Store) error {
			return l.audit.Append(ctx, tx, opCtx, "NOTIFICATION_FAILED", "Notification", "", nil, map[string]any{
				"event": string(kind), "error": err.Error(),
			})
		})
	}
}

// withRetry runs fn up to attempts+1 times total, retrying only on
// retryable (STORE_TIMEOUT) errors, with exponential backoff between
// attempts.
func withRetry(attempts int, fn func() error) error {
	var lastErr error
	backoff := 10 * time.Millisecond
	for i := 0; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return lastErr
}
