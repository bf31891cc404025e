/**
 * @description
 * HTTP handlers for the internal surface: endpoints called by sibling
 * services (identity, directory) and by operators, guarded by the shared
 * API key rather than end-user JWTs. Covers account mirroring, invitation
 * rewards, manual adjustments, batch job management, and reconciliation.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/app"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
)

// EnsureAccountHandler mirrors an identity into the ledger and credits the
// registration bonus. The identity collaborator calls this after signup;
// both steps are idempotent, so retries are safe.
func (h *LedgerHandlers) EnsureAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.EnsureAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	account, err := h.service.EnsureAccount(r.Context(), req.AccountID, req.Role)
	if err != nil {
		log.Printf("level=error component=api endpoint=ensure_account msg=\"account mirroring failed\" account_id=%s err=%v", req.AccountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create account")
		return
	}

	bonus, err := h.service.GrantRegistrationBonus(r.Context(), h.service.Rewards(), req.AccountID)
	if err != nil {
		// The account exists; report it and let the caller retry the bonus.
		log.Printf("level=error component=api endpoint=ensure_account msg=\"registration bonus failed\" account_id=%s err=%v", req.AccountID, err)
		h.writeJSON(w, http.StatusCreated, map[string]interface{}{
			"account": account,
			"error":   "registration bonus could not be applied; retry the request",
		})
		return
	}

	log.Printf("level=info component=api endpoint=ensure_account outcome=accepted account_id=%s role=%s", req.AccountID, req.Role)
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"account":            account,
		"registration_bonus": buildTransactionResponse(bonus),
	})
}

// InvitationRewardHandler credits both sides of a confirmed invitation.
func (h *LedgerHandlers) InvitationRewardHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inviterTx, inviteeTx, err := h.service.GrantInvitationReward(r.Context(), h.service.Rewards(), req.InviterID, req.InviteeID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrSelfInvitation), errors.Is(err, app.ErrInvalidAccount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, app.ErrInvitationCompensated):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=invitation msg=\"invitation reward failed\" inviter_id=%s invitee_id=%s err=%v", req.InviterID, req.InviteeID, err)
			h.writeError(w, http.StatusInternalServerError, "Invitation reward failed")
		}
		return
	}

	log.Printf("level=info component=api endpoint=invitation outcome=accepted inviter_id=%s invitee_id=%s", req.InviterID, req.InviteeID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"inviter_transaction": buildTransactionResponse(inviterTx),
		"invitee_transaction": buildTransactionResponse(inviteeTx),
	})
}

// AdminAdjustmentHandler applies a manual credit or debit.
func (h *LedgerHandlers) AdminAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.AdminAdjustment(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, "admin_adjustment", req.AccountID, err)
		return
	}
	log.Printf("level=info component=api endpoint=admin_adjustment outcome=accepted account_id=%s amount=%d", req.AccountID, req.Amount)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// CreateBatchJobHandler schedules a cohort reward.
func (h *LedgerHandlers) CreateBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBatchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.service.CreateBatchJob(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidBatchAmount), errors.Is(err, app.ErrEmptyCohort):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=api endpoint=create_batch_job msg=\"batch job creation failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create batch job")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

// GetBatchJobHandler returns one batch job with its counters.
func (h *LedgerHandlers) GetBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.GetBatchJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrBatchJobNotFound) {
			h.writeError(w, http.StatusNotFound, "Batch job not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_batch_job msg=\"batch job lookup failed\" job_id=%s err=%v", jobID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch batch job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// ExecuteBatchJobHandler triggers immediate execution of a batch job,
// bypassing the scheduler. Re-execution of a finished job is a no-op.
func (h *LedgerHandlers) ExecuteBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.ExecuteBatchJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrBatchJobNotFound) {
			h.writeError(w, http.StatusNotFound, "Batch job not found")
			return
		}
		log.Printf("level=error component=api endpoint=execute_batch_job msg=\"batch execution failed\" job_id=%s err=%v", jobID, err)
		h.writeError(w, http.StatusInternalServerError, "Batch execution failed")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelBatchJobHandler cancels a pending batch job.
func (h *LedgerHandlers) CancelBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.CancelBatchJob(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBatchJobNotFound):
			h.writeError(w, http.StatusNotFound, "Batch job not found")
		case errors.Is(err, app.ErrBatchJobNotCancellable):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=cancel_batch_job msg=\"batch cancellation failed\" job_id=%s err=%v", jobID, err)
			h.writeError(w, http.StatusInternalServerError, "Batch cancellation failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// ReconcileAccountHandler audits a single account. Drift is corrected by
// default; pass dry_run=true to report without writing.
func (h *LedgerHandlers) ReconcileAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountIDStr := chi.URLParam(r, "accountID")
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}
	correct := r.URL.Query().Get("dry_run") != "true"

	result, err := h.service.Reconcile(r.Context(), accountID, correct)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=reconcile msg=\"account audit failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileAllHandler audits every account and returns the sweep report.
// Drift is corrected by default; pass dry_run=true to report without writing.
func (h *LedgerHandlers) ReconcileAllHandler(w http.ResponseWriter, r *http.Request) {
	correct := r.URL.Query().Get("dry_run") != "true"

	report, err := h.service.ReconcileAll(r.Context(), correct)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_all msg=\"reconciliation sweep failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetAccountHandler returns an account's balance for internal callers.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountIDStr := chi.URLParam(r, "accountID")
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_account msg=\"account lookup failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch account")
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *LedgerHandlers) parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobIDStr := chi.URLParam(r, "jobID")
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid batch job ID")
		return uuid.Nil, false
	}
	return jobID, true
}
