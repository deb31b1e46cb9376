/*
handlers.go - HTTP API handlers for the cash-wire payments engine

PURPOSE:
  Exposes Ledger, MoneyRequest, EventPool, and AuditLog via REST. Handles
  HTTP request/response and JSON (de)serialization; every decision of
  substance (limits, state machines, atomicity) lives in the core
  packages, not here.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{userID}/balance       Get balance + available
    GET    /api/accounts/{userID}/transactions  Transaction history

  Transfers:
    POST   /api/transfers                       Single transfer
    POST   /api/transfers/bulk                   Bulk transfer

  Money requests:
    POST   /api/requests                        Create a request
    POST   /api/requests/{id}/respond           Approve/decline
    POST   /api/requests/{id}/cancel            Cancel
    GET    /api/requests?role=payer|requester   List for the caller

  Event pools:
    POST   /api/events                          Create a pool
    POST   /api/events/{id}/contribute          Contribute
    POST   /api/events/{id}/close               Close
    POST   /api/events/{id}/cancel              Cancel
    GET    /api/events/{id}                     Get + derived stats
    GET    /api/events                          List active pools

  Audit:
    GET    /api/audit                           Query entries
    GET    /api/audit/integrity                 Run VerifyIntegrity

REQUEST IDENTITY:
  The caller's user id, IP, and user-agent are read from headers
  (X-User-ID, plus the request's own RemoteAddr/User-Agent) into a
  core.OperationContext — there is no authentication layer here; see
  SECURITY NOTE below.

ERROR HANDLING:
  Every domain error is a *core.CoreError; writeError maps its Code to an
  HTTP status via statusForCode (dto.go) and writes {code, message} JSON.

SECURITY NOTE:
  No authentication middleware. X-User-ID is trusted as asserted. A real
  deployment sits this behind an identity-aware proxy or adds JWT
  verification in front of these handlers.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
  - scheduler.go: background ExpireDue / audit retention sweeps
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
	"github.com/warp/cash-wire/eventpool"
	"github.com/warp/cash-wire/ledger"
	"github.com/warp/cash-wire/moneyrequest"
	"github.com/warp/cash-wire/ratelimit"
)

// Handler wires HTTP requests into the core components. RateLimit is
// optional: a nil Limiter allows every call (see ratelimit.Limiter.Allow).
type Handler struct {
	Ledger    *ledger.Ledger
	Request   *moneyrequest.Service
	Event     *eventpool.Service
	Audit     *audit.Log
	Users     core.UserDirectory
	RateLimit *ratelimit.Limiter
	Log       zerolog.Logger
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, action, actorUserID string) bool {
	if h.RateLimit == nil || h.RateLimit.Allow(r.Context(), action, actorUserID) {
		return true
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests, try again shortly"})
	return false
}

func opCtxFrom(r *http.Request) core.OperationContext {
	return core.OperationContext{
		ActorUserID: r.Header.Get("X-User-ID"),
		IPAddress:   r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var bulkErr *ledger.BulkTransferError
	if errors.As(err, &bulkErr) {
		idx := bulkErr.RecipientIndex
		writeJSON(w, statusForCode(bulkErr.Code), errorResponse{Code: string(bulkErr.Code), Message: bulkErr.Message, RecipientIndex: &idx})
		return
	}
	if ce, ok := err.(*core.CoreError); ok {
		writeJSON(w, statusForCode(ce.Code), errorResponse{Code: string(ce.Code), Message: ce.Message})
		return
	}
	log.Error().Err(err).Msg("unclassified handler error")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseAmount(s string) (core.Money, error) {
	m, err := decimal.NewFromString(s)
	if err != nil {
		return core.Zero(), core.NewError(core.CodeInvalidAmount, "amount must be a decimal string")
	}
	return m, nil
}

func pagingParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return
}

// GetBalance handles GET /api/accounts/{userID}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, available, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance.String(), Available: available.String()})
}

// GetTransactions handles GET /api/accounts/{userID}/transactions.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, offset := pagingParams(r)
	sent, err := h.Ledger.Store().ListTransactionsBySender(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	received, err := h.Ledger.Store().ListTransactionsByRecipient(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]transactionResponse, 0, len(sent)+len(received))
	for _, t := range sent {
		out = append(out, toTransactionResponse(t))
	}
	for _, t := range received {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// Transfer handles POST /api/transfers.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	opCtx := opCtxFrom(r)
	result, err := h.Ledger.Transfer(r.Context(), opCtx, opCtx.ActorUserID, req.RecipientUserID, amount, req.Category, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(result.Tx))
}

// BulkTransfer handles POST /api/transfers/bulk.
func (h *Handler) BulkTransfer(w http.ResponseWriter, r *http.Request) {
	var req bulkTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	recipients := make([]ledger.BulkRecipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		amount, err := parseAmount(rec.Amount)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		recipients = append(recipients, ledger.BulkRecipient{
			RecipientUserID: rec.RecipientUserID, Amount: amount, Category: rec.Category, Note: rec.Note,
		})
	}
	opCtx := opCtxFrom(r)
	result, err := h.Ledger.BulkTransfer(r.Context(), opCtx, opCtx.ActorUserID, recipients)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	txs := make([]transactionResponse, 0, len(result.Transactions))
	for _, t := range result.Transactions {
		txs = append(txs, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusCreated, bulkTransferResponse{
		SenderBalanceAfter: result.SenderBalanceAfter.String(), TotalAmount: result.TotalAmount.String(), Transactions: txs,
	})
}

// CreateMoneyRequest handles POST /api/requests.
func (h *Handler) CreateMoneyRequest(w http.ResponseWriter, r *http.Request) {
	var req moneyRequestCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	opCtx := opCtxFrom(r)
	if !h.allow(w, r, "money_request.create", opCtx.ActorUserID) {
		return
	}
	mr, err := h.Request.Create(r.Context(), opCtx, opCtx.ActorUserID, req.PayerUserID, amount, req.Note, req.ExpiresInDays)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMoneyRequestResponse(*mr))
}

// RespondMoneyRequest handles POST /api/requests/{id}/respond.
func (h *Handler) RespondMoneyRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	opCtx := opCtxFrom(r)
	mr, err := h.Request.Respond(r.Context(), opCtx, requestID, opCtx.ActorUserID, req.Approve)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toMoneyRequestResponse(*mr))
}

// CancelMoneyRequest handles POST /api/requests/{id}/cancel.
func (h *Handler) CancelMoneyRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	opCtx := opCtxFrom(r)
	mr, err := h.Request.Cancel(r.Context(), opCtx, requestID, opCtx.ActorUserID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toMoneyRequestResponse(*mr))
}

// ListMoneyRequests handles GET /api/requests?role=payer|requester.
func (h *Handler) ListMoneyRequests(w http.ResponseWriter, r *http.Request) {
	userID := opCtxFrom(r).ActorUserID
	limit, offset := pagingParams(r)
	var (
		requests []core.MoneyRequest
		err      error
	)
	if r.URL.Query().Get("role") == "requester" {
		requests, err = h.Request.ListForRequester(r.Context(), userID, limit, offset)
	} else {
		requests, err = h.Request.ListForPayer(r.Context(), userID, limit, offset)
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]moneyRequestResponse, 0, len(requests))
	for _, mr := range requests {
		out = append(out, toMoneyRequestResponse(mr))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateEvent handles POST /api/events.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	params := eventpool.CreateParams{Name: req.Name, Description: req.Description, Deadline: req.Deadline}
	if req.TargetAmount != "" {
		amount, err := parseAmount(req.TargetAmount)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		params.TargetAmount = &amount
	}
	opCtx := opCtxFrom(r)
	params.CreatorUserID = opCtx.ActorUserID
	pool, err := h.Event.Create(r.Context(), opCtx, params)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(*pool))
}

// ContributeToEvent handles POST /api/events/{id}/contribute.
func (h *Handler) ContributeToEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var req contributeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: "malformed request body"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	opCtx := opCtxFrom(r)
	if !h.allow(w, r, "eventpool.contribute", opCtx.ActorUserID) {
		return
	}
	tx, err := h.Event.Contribute(r.Context(), opCtx, opCtx.ActorUserID, eventID, amount, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(*tx))
}

// CloseEvent handles POST /api/events/{id}/close.
func (h *Handler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	opCtx := opCtxFrom(r)
	pool, err := h.Event.Close(r.Context(), opCtx, eventID, opCtx.ActorUserID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(*pool))
}

// CancelEvent handles POST /api/events/{id}/cancel.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	opCtx := opCtxFrom(r)
	pool, err := h.Event.Cancel(r.Context(), opCtx, eventID, opCtx.ActorUserID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(*pool))
}

// GetEvent handles GET /api/events/{id}, including derived stats.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	pool, err := h.Event.Get(r.Context(), eventID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if pool == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "VALIDATION_ERROR", Message: "event pool not found"})
		return
	}
	stats, err := h.Event.GetStats(r.Context(), eventID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		eventResponse
		Stats eventStatsResponse `json:"stats"`
	}{
		eventResponse: toEventResponse(*pool),
		Stats: eventStatsResponse{
			TotalContributions: stats.TotalContributions.String(), ContributorCount: stats.ContributorCount,
			ProgressPercentage: stats.ProgressPercentage,
		},
	})
}

// ListEvents handles GET /api/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	pools, err := h.Event.ListActive(r.Context(), limit, offset)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]eventResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toEventResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// QueryAudit handles GET /api/audit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagingParams(r)
	filter := core.AuditFilter{
		UserID: q.Get("user_id"), ActionType: q.Get("action_type"), EntityType: q.Get("entity_type"),
		EntityID: q.Get("entity_id"), Limit: limit, Offset: offset,
	}
	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// VerifyAuditIntegrity handles GET /api/audit/integrity.
func (h *Handler) VerifyAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.Audit.VerifyIntegrity(r.Context(), h.Users)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
