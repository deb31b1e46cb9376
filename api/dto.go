/*
dto.go defines the wire shapes for the HTTP demonstrator: JSON request and
response bodies, and the translation from a *core.CoreError to an HTTP
status code. The core packages never import this file — they speak Go
values, not JSON.
*/
package api

import (
	"net/http"
	"time"

	"github.com/warp/cash-wire/core"
)

// errorResponse is the JSON body returned for any failed request.
// RecipientIndex is set only for a BulkTransfer failure: the index (into the
// original request's recipient list) that caused the all-or-nothing abort,
// or -1 when the sender's own balance is at fault rather than any recipient.
type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RecipientIndex *int   `json:"recipient_index,omitempty"`
}

// statusForCode maps a core.Code to the HTTP status a client should see.
func statusForCode(code core.Code) int {
	switch code {
	case core.CodeAccountNotFound:
		return http.StatusNotFound
	case core.CodeUserInactive, core.CodeNotAuthorized:
		return http.StatusForbidden
	case core.CodeSelfTransfer, core.CodeInvalidAmount, core.CodeTooManyRecipients,
		core.CodeValidationError, core.CodeDeadlinePassed, core.CodeCancelWithContribution:
		return http.StatusBadRequest
	case core.CodeInsufficientFunds, core.CodeBalanceLimitExceeded, core.CodeAlreadyResponded,
		core.CodeRequestExpired, core.CodeDuplicateRequest, core.CodeEventInactive:
		return http.StatusConflict
	case core.CodeStoreTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
}

type transferRequest struct {
	RecipientUserID string `json:"recipient_user_id"`
	Amount          string `json:"amount"`
	Category        string `json:"category"`
	Note            string `json:"note"`
}

type bulkTransferRequest struct {
	Recipients []struct {
		RecipientUserID string `json:"recipient_user_id"`
		Amount          string `json:"amount"`
		Category        string `json:"category"`
		Note            string `json:"note"`
	} `json:"recipients"`
}

type transactionResponse struct {
	TxID            string    `json:"tx_id"`
	Kind            string    `json:"kind"`
	SenderUserID    string    `json:"sender_user_id"`
	RecipientUserID string    `json:"recipient_user_id,omitempty"`
	EventID         string    `json:"event_id,omitempty"`
	Amount          string    `json:"amount"`
	Category        string    `json:"category,omitempty"`
	Note            string    `json:"note,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		TxID: t.TxID, Kind: string(t.Kind), SenderUserID: t.SenderUserID,
		RecipientUserID: t.RecipientUserID, EventID: t.EventID, Amount: t.Amount.String(),
		Category: t.Category, Note: t.Note, Status: string(t.Status), CreatedAt: t.CreatedAt,
	}
}

type bulkTransferResponse struct {
	SenderBalanceAfter string                `json:"sender_balance_after"`
	TotalAmount        string                `json:"total_amount"`
	Transactions       []transactionResponse `json:"transactions"`
}

type moneyRequestCreateRequest struct {
	PayerUserID   string `json:"payer_user_id"`
	Amount        string `json:"amount"`
	Note          string `json:"note"`
	ExpiresInDays int    `json:"expires_in_days"`
}

type moneyRequestResponse struct {
	RequestID       string     `json:"request_id"`
	RequesterUserID string     `json:"requester_user_id"`
	PayerUserID     string     `json:"payer_user_id"`
	Amount          string     `json:"amount"`
	Note            string     `json:"note,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	TxID            string     `json:"tx_id,omitempty"`
}

func toMoneyRequestResponse(r core.MoneyRequest) moneyRequestResponse {
	return moneyRequestResponse{
		RequestID: r.RequestID, RequesterUserID: r.RequesterUserID, PayerUserID: r.PayerUserID,
		Amount: r.Amount.String(), Note: r.Note, Status: string(r.Status), CreatedAt: r.CreatedAt,
		RespondedAt: r.RespondedAt, ExpiresAt: r.ExpiresAt, TxID: r.TxID,
	}
}

type respondRequest struct {
	Approve bool `json:"approve"`
}

type eventCreateRequest struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	TargetAmount string     `json:"target_amount,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

type eventResponse struct {
	EventID       string     `json:"event_id"`
	CreatorUserID string     `json:"creator_user_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	TargetAmount  string     `json:"target_amount,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

func toEventResponse(e core.EventPool) eventResponse {
	resp := eventResponse{
		EventID: e.EventID, CreatorUserID: e.CreatorUserID, Name: e.Name, Description: e.Description,
		Deadline: e.Deadline, Status: string(e.Status), CreatedAt: e.CreatedAt, ClosedAt: e.ClosedAt,
	}
	if e.TargetAmount != nil {
		resp.TargetAmount = e.TargetAmount.String()
	}
	return resp
}

type eventStatsResponse struct {
	TotalContributions string   `json:"total_contributions"`
	ContributorCount   int      `json:"contributor_count"`
	ProgressPercentage *float64 `json:"progress_percentage,omitempty"`
}

type contributeRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

type auditEntryResponse struct {
	EntryID    string         `json:"entry_id"`
	UserID     string         `json:"user_id,omitempty"`
	ActionType string         `json:"action_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toAuditEntryResponse(e core.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		EntryID: e.EntryID, UserID: e.UserID, ActionType: e.ActionType, EntityType: e.EntityType,
		EntityID: e.EntityID, OldValues: e.OldValues, NewValues: e.NewValues, CreatedAt: e.CreatedAt,
	}
}
