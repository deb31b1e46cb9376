package core

import (
	"context"
	"time"
)

// AccountStore is the persistence surface Ledger needs for Account rows.
// GetAccountByUserID and LockAccountByUserID both return the current row;
// LockAccountByUserID additionally acquires the row lock a mutating
// operation must hold until the enclosing transaction commits — callers
// invoke it only from inside WithTx, in canonical (ascending UserID, the key
// this method takes; not AccountID) order when more than one account is
// involved.
type AccountStore interface {
	CreateAccount(ctx context.Context, a Account) error
	GetAccountByUserID(ctx context.Context, userID string) (*Account, error)
	LockAccountByUserID(ctx context.Context, userID string) (*Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, newBalance Money, updatedAt time.Time) error
}

// TransactionStore is the append-only persistence surface for Transaction
// rows. There is no Update or Delete: a Transaction is written once, with
// its final status, and never revisited.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactionsBySender(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	ListTransactionsByRecipient(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	ListTransactionsByEvent(ctx context.Context, eventID string) ([]Transaction, error)
	SumCompletedContributions(ctx context.Context, eventID string) (Money, int, error) // total, distinct contributor count
}

// RequestFilter narrows ListMoneyRequests queries.
type RequestFilter struct {
	RequesterUserID string
	PayerUserID     string
	Status          RequestStatus
	HasStatus       bool
}

// RequestStore is the persistence surface for MoneyRequest rows.
type RequestStore interface {
	InsertMoneyRequest(ctx context.Context, r MoneyRequest) error
	GetMoneyRequest(ctx context.Context, requestID string) (*MoneyRequest, error)
	LockMoneyRequest(ctx context.Context, requestID string) (*MoneyRequest, error)
	UpdateMoneyRequest(ctx context.Context, r MoneyRequest) error
	FindLivePendingRequest(ctx context.Context, requesterUserID, payerUserID string, now time.Time) (*MoneyRequest, error)
	ListDuePending(ctx context.Context, now time.Time) ([]MoneyRequest, error)
	ListMoneyRequests(ctx context.Context, filter RequestFilter, limit, offset int) ([]MoneyRequest, error)
}

// EventFilter narrows ListEventPools queries.
type EventFilter struct {
	CreatorUserID string
	Status        EventStatus
	HasStatus     bool
}

// EventStore is the persistence surface for EventPool rows.
type EventStore interface {
	InsertEventPool(ctx context.Context, e EventPool) error
	GetEventPool(ctx context.Context, eventID string) (*EventPool, error)
	LockEventPool(ctx context.Context, eventID string) (*EventPool, error)
	UpdateEventPool(ctx context.Context, e EventPool) error
	ListEventPools(ctx context.Context, filter EventFilter, limit, offset int) ([]EventPool, error)
}

// AuditFilter narrows AuditLog.Query; zero-value fields are unconstrained.
type AuditFilter struct {
	UserID     string
	ActionType string
	EntityType string
	EntityID   string
	Since      *time.Time
	Until      *time.Time
	IPAddress  string
	Limit      int
	Offset     int
}

// AuditStore is the append-only persistence surface for AuditEntry rows.
// DeleteAuditEntriesOlderThan is the only delete path the core ever invokes
// (I14).
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e AuditEntry) error
	QueryAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	AllAuditEntries(ctx context.Context, fn func(AuditEntry) error) error
	DeleteAuditEntriesOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Store is the full transactional persistence boundary. WithTx opens a
// single Store-scoped transaction and passes a Store bound to it into fn;
// every mutating core operation runs its precondition reads, mutations, and
// audit append inside exactly one WithTx call (§5). A nil error from fn
// commits; any error rolls back and is returned unchanged to the caller of
// WithTx, so domain errors surface intact.
type Store interface {
	AccountStore
	TransactionStore
	RequestStore
	EventStore
	AuditStore

	WithTx(ctx context.Context, fn func(tx Store) error) error
}
