package core

import "time"

// TransactionKind discriminates a Transaction's shape (I3): TRANSFER
// transactions always carry a recipient and never an event id;
// EVENT_CONTRIBUTION transactions always carry an event id.
type TransactionKind string

const (
	TxTransfer           TransactionKind = "TRANSFER"
	TxEventContribution  TransactionKind = "EVENT_CONTRIBUTION"
)

// TransactionStatus is terminal once set (I6): a Transaction is never
// partially applied.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

// Account is the monetary-state holder for one user (I1, I2).
type Account struct {
	AccountID string
	UserID    string
	Balance   Money
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is the record of a single attempted money movement, complete
// or failed, never partial (I3–I6).
type Transaction struct {
	TxID            string
	Kind            TransactionKind
	SenderUserID    string
	RecipientUserID string // set iff Kind == TxTransfer
	EventID         string // set iff Kind == TxEventContribution
	Amount          Money
	Category        string
	Note            string
	Status          TransactionStatus
	FailureCode     Code
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// RequestStatus is the MoneyRequest state machine's status (I9).
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestDeclined RequestStatus = "DECLINED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// MoneyRequest is a payable request from requester to payer (I7–I10).
type MoneyRequest struct {
	RequestID       string
	RequesterUserID string
	PayerUserID     string
	Amount          Money
	Note            string
	Status          RequestStatus
	CreatedAt       time.Time
	RespondedAt     *time.Time
	ExpiresAt       time.Time
	TxID            string // set once APPROVED, referencing the resulting Transfer
}

// EventStatus is the EventPool lifecycle status (I11).
type EventStatus string

const (
	EventActive    EventStatus = "ACTIVE"
	EventClosed    EventStatus = "CLOSED"
	EventCancelled EventStatus = "CANCELLED"
)

// EventPool is a collective-funding account (I11–I13). TotalContributions
// is never stored; it is always derived by summing COMPLETED
// EVENT_CONTRIBUTION transactions for EventID.
type EventPool struct {
	EventID       string
	CreatorUserID string
	Name          string
	Description   string
	TargetAmount  *Money
	Deadline      *time.Time
	Status        EventStatus
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// AuditEntry is an append-only record of a state change or system event
// (I14, I15).
type AuditEntry struct {
	EntryID    string
	UserID     string // empty for system events
	ActionType string
	EntityType string
	EntityID   string
	OldValues  map[string]any
	NewValues  map[string]any
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// OperationContext carries the per-call caller identity and request
// metadata (ip, user-agent) through every mutating operation explicitly,
// rather than through ambient thread-local or process-global state.
type OperationContext struct {
	ActorUserID string
	IPAddress   string
	UserAgent   string
}

// System returns an OperationContext with no actor, for background sweeps
// and other system-initiated operations (ExpireDue, CleanupOlderThan).
func System() OperationContext {
	return OperationContext{}
}
