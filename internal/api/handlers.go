/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's user-facing
 * endpoints. Handlers parse incoming requests, call the appropriate methods
 * on the application service, and map the service's typed errors to HTTP
 * status codes. All monetary values are whole points.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/app"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// transactionResponse is the wire shape for a committed ledger transaction.
type transactionResponse struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balance_after"`
	Type          string `json:"type"`
	Description   string `json:"description"`
	CreatedAt     string `json:"created_at"`
}

func buildTransactionResponse(tx *domain.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID: tx.ID.String(),
		AccountID:     tx.AccountID.String(),
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Type:          string(tx.Type),
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// GetBalanceHandler returns the authenticated account's current balance.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=balance msg=\"balance lookup failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch balance")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": account.ID.String(),
		"balance":    account.Balance,
		"role":       account.Role,
	})
}

// ListTransactionsHandler returns a page of the authenticated account's history.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	limit := parseQueryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseQueryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	transactions, err := h.service.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=transactions msg=\"history lookup failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transactions")
		return
	}

	responses := make([]transactionResponse, 0, len(transactions))
	for i := range transactions {
		responses = append(responses, buildTransactionResponse(&transactions[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": responses,
		"limit":        limit,
		"offset":       offset,
	})
}

// DailyCheckinHandler credits the daily check-in bonus for today. Replays on
// the same calendar day return the original transaction.
func (h *LedgerHandlers) DailyCheckinHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	tx, err := h.service.GrantDailyCheckin(r.Context(), h.service.Rewards(), accountID, time.Now())
	if err != nil {
		h.writeLedgerError(w, "daily_checkin", accountID, err)
		return
	}
	log.Printf("level=info component=api endpoint=daily_checkin outcome=accepted account_id=%s", accountID)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// SpendContactViewHandler debits the contact-details reveal cost.
func (h *LedgerHandlers) SpendContactViewHandler(w http.ResponseWriter, r *http.Request) {
	h.handleSpend(w, r, "contact_view", func(accountID uuid.UUID, req domain.SpendRequest) (*domain.Transaction, error) {
		return h.service.SpendContactView(r.Context(), h.service.Rewards(), accountID, req.MerchantID)
	})
}

// SpendMerchantEditHandler debits the merchant listing edit cost.
func (h *LedgerHandlers) SpendMerchantEditHandler(w http.ResponseWriter, r *http.Request) {
	h.handleSpend(w, r, "merchant_edit", func(accountID uuid.UUID, req domain.SpendRequest) (*domain.Transaction, error) {
		return h.service.SpendMerchantEdit(r.Context(), h.service.Rewards(), accountID, req.MerchantID, req.RequestID)
	})
}

// SpendMerchantTopHandler debits the merchant top-placement cost.
func (h *LedgerHandlers) SpendMerchantTopHandler(w http.ResponseWriter, r *http.Request) {
	h.handleSpend(w, r, "merchant_top", func(accountID uuid.UUID, req domain.SpendRequest) (*domain.Transaction, error) {
		return h.service.SpendMerchantTop(r.Context(), h.service.Rewards(), accountID, req.MerchantID, req.RequestID)
	})
}

// MerchantRegisterBonusHandler credits the bonus for registering a merchant
// listing. The directory collaborator calls this after the listing is saved.
func (h *LedgerHandlers) MerchantRegisterBonusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	var req domain.SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MerchantID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "merchant_id is required")
		return
	}

	tx, err := h.service.GrantMerchantRegisterBonus(r.Context(), h.service.Rewards(), accountID, req.MerchantID)
	if err != nil {
		h.writeLedgerError(w, "merchant_register", accountID, err)
		return
	}
	log.Printf("level=info component=api endpoint=merchant_register outcome=accepted account_id=%s merchant_id=%s", accountID, req.MerchantID)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

func (h *LedgerHandlers) handleSpend(w http.ResponseWriter, r *http.Request, endpoint string, spend func(uuid.UUID, domain.SpendRequest) (*domain.Transaction, error)) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	var req domain.SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MerchantID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "merchant_id is required")
		return
	}

	tx, err := spend(accountID, req)
	if err != nil {
		h.writeLedgerError(w, endpoint, accountID, err)
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=accepted account_id=%s merchant_id=%s amount=%d", endpoint, accountID, req.MerchantID, tx.Amount)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// writeLedgerError maps the service's typed errors to HTTP responses.
func (h *LedgerHandlers) writeLedgerError(w http.ResponseWriter, endpoint string, accountID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient point balance")
	case errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, app.ErrSpendRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	case errors.Is(err, app.ErrZeroAmount), errors.Is(err, app.ErrInvalidAccount), errors.Is(err, app.ErrInvalidTransactionType):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"ledger operation failed\" account_id=%s err=%v", endpoint, accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Ledger operation failed")
	}
}

func parseQueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
