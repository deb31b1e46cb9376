package core

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier crossing the core
// boundary as part of the {code, message} error payload.
type Code string

const (
	CodeAccountNotFound        Code = "ACCOUNT_NOT_FOUND"
	CodeUserInactive           Code = "USER_INACTIVE"
	CodeSelfTransfer           Code = "SELF_TRANSFER"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeBalanceLimitExceeded   Code = "BALANCE_LIMIT_EXCEEDED"
	CodeTooManyRecipients      Code = "TOO_MANY_RECIPIENTS"
	CodeAlreadyResponded       Code = "ALREADY_RESPONDED"
	CodeRequestExpired         Code = "REQUEST_EXPIRED"
	CodeDuplicateRequest       Code = "DUPLICATE_REQUEST"
	CodeNotAuthorized          Code = "NOT_AUTHORIZED"
	CodeEventInactive          Code = "EVENT_INACTIVE"
	CodeDeadlinePassed         Code = "DEADLINE_PASSED"
	CodeCancelWithContribution Code = "CANCEL_WITH_CONTRIBUTIONS"
	CodeStoreTimeout           Code = "STORE_TIMEOUT"
	CodeValidationError        Code = "VALIDATION_ERROR"
	CodeTransactionFailed      Code = "TRANSACTION_FAILED"
)

// sentinels, matched with errors.Is against the Code carried by a CoreError.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrUserInactive           = errors.New("user is not active")
	ErrSelfTransfer           = errors.New("sender and recipient must differ")
	ErrInvalidAmount          = errors.New("amount must be a positive decimal")
	ErrInsufficientFunds      = errors.New("operation would breach minimum balance")
	ErrBalanceLimitExceeded   = errors.New("operation would breach maximum balance")
	ErrTooManyRecipients      = errors.New("bulk transfer exceeds maximum recipient count")
	ErrAlreadyResponded       = errors.New("request already responded to")
	ErrRequestExpired         = errors.New("request has expired")
	ErrDuplicateRequest       = errors.New("a pending request already exists for this pair")
	ErrNotAuthorized          = errors.New("caller is not authorized for this operation")
	ErrEventInactive          = errors.New("event pool is not active")
	ErrDeadlinePassed         = errors.New("event pool deadline has passed")
	ErrCancelWithContribution = errors.New("cannot cancel a pool with contributions")
	ErrStoreTimeout           = errors.New("store operation timed out")
	ErrValidationError        = errors.New("validation error")
	ErrTransactionFailed      = errors.New("transaction failed")
)

var sentinelByCode = map[Code]error{
	CodeAccountNotFound:        ErrAccountNotFound,
	CodeUserInactive:           ErrUserInactive,
	CodeSelfTransfer:           ErrSelfTransfer,
	CodeInvalidAmount:          ErrInvalidAmount,
	CodeInsufficientFunds:      ErrInsufficientFunds,
	CodeBalanceLimitExceeded:   ErrBalanceLimitExceeded,
	CodeTooManyRecipients:      ErrTooManyRecipients,
	CodeAlreadyResponded:       ErrAlreadyResponded,
	CodeRequestExpired:         ErrRequestExpired,
	CodeDuplicateRequest:       ErrDuplicateRequest,
	CodeNotAuthorized:          ErrNotAuthorized,
	CodeEventInactive:          ErrEventInactive,
	CodeDeadlinePassed:         ErrDeadlinePassed,
	CodeCancelWithContribution: ErrCancelWithContribution,
	CodeStoreTimeout:           ErrStoreTimeout,
	CodeValidationError:        ErrValidationError,
	CodeTransactionFailed:      ErrTransactionFailed,
}

// CoreError is the structured error every core operation returns on
// failure. It carries the stable Code for the wire payload, a human-facing
// Message, and an optional wrapped cause for internal diagnostics — the
// cause is never exposed across the core boundary, only logged.
type CoreError struct {
	Code    Code
	Message string
	cause   error
}

// NewError builds a CoreError for code, using the sentinel's default text
// as Message unless message is non-empty.
func NewError(code Code, message string) *CoreError {
	if message == "" {
		if s, ok := sentinelByCode[code]; ok {
			message = s.Error()
		}
	}
	return &CoreError{Code: code, Message: message}
}

// Wrap builds a CoreError for code with an underlying cause retained for
// Unwrap, typically a Store error being translated to STORE_TIMEOUT or
// TRANSACTION_FAILED.
func Wrap(code Code, message string, cause error) *CoreError {
	e := NewError(code, message)
	e.cause = cause
	return e
}

func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As match both the wrapped cause and, via the
// sentinel table, the Code's canonical sentinel error.
func (e *CoreError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return sentinelByCode[e.Code]
}

// Is reports whether target is the canonical sentinel for e.Code, so
// errors.Is matches the sentinel even when a cause is wrapped.
func (e *CoreError) Is(target error) bool {
	s, ok := sentinelByCode[e.Code]
	return ok && target == s
}

// IsRetryable reports whether the error represents a transient condition the
// caller may safely retry (currently only STORE_TIMEOUT).
func IsRetryable(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == CodeStoreTimeout
	}
	return errors.Is(err, ErrStoreTimeout)
}
