/**
 * @description
 * This file defines the core domain models for the ledger-service: accounts,
 * ledger transactions, batch reward jobs, and the DTOs exchanged with the API
 * and event layers.
 *
 * @notes
 * - Point amounts are `int64` (unit = 1 point). Signed: positive = credit,
 *   negative = debit. Zero is never a valid transaction amount.
 * - Transactions are immutable once written; the `transactions` table is
 *   append-only and `BalanceAfter` snapshots the account balance at commit
 *   time so readers and the auditor never need to re-sum history.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the closed set of reasons a balance can change.
type TransactionType string

const (
	TypeRegistration       TransactionType = "registration"
	TypeDailyCheckin       TransactionType = "daily_checkin"
	TypeInvitationReward   TransactionType = "invitation_reward"
	TypeInvitedReward      TransactionType = "invited_reward"
	TypeInvitationReversal TransactionType = "invitation_reversal"
	TypeMerchantRegister   TransactionType = "merchant_register"
	TypeAdminAdjustment    TransactionType = "admin_adjustment"
	TypeSpendContactView   TransactionType = "spend_contact_view"
	TypeSpendMerchantEdit  TransactionType = "spend_merchant_edit"
	TypeSpendMerchantTop   TransactionType = "spend_merchant_top"
	TypeBatchReward        TransactionType = "batch_reward"
	TypeSystemAdjustment   TransactionType = "system_adjustment"
)

// Batch job statuses. A job transitions through its status machine exactly once:
// pending -> running -> completed, with pending -> cancelled as an alternate
// terminal and running -> failed only for job-level faults.
const (
	BatchStatusPending   = "pending"
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusCancelled = "cancelled"
	BatchStatusFailed    = "failed"
)

// Account is the ledger's record of one identity's current point balance.
// Account IDs are assigned by the identity collaborator and mirrored here
// with balance 0; the ledger never deletes accounts.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"` // e.g. 'user', 'merchant', 'admin', 'banned'
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable, append-only record of one balance mutation.
// This struct maps directly to the `transactions` table.
type Transaction struct {
	ID               uuid.UUID              `json:"id"`
	AccountID        uuid.UUID              `json:"account_id"`
	Amount           int64                  `json:"amount"`
	BalanceAfter     int64                  `json:"balance_after"`
	Type             TransactionType        `json:"type"`
	Description      string                 `json:"description"`
	IdempotencyKey   *string                `json:"idempotency_key,omitempty"`
	RelatedAccountID *uuid.UUID             `json:"related_account_id,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ApplyRequest carries the parameters for one atomic ledger mutation.
type ApplyRequest struct {
	AccountID        uuid.UUID
	Amount           int64
	Type             TransactionType
	Description      string
	IdempotencyKey   *string
	RelatedAccountID *uuid.UUID
	Metadata         map[string]interface{}
}

// CohortPredicate is the declarative filter a batch job resolves against the
// account store at execution time. Membership can change between scheduling
// and firing; the predicate, not a frozen id list, is what gets persisted.
type CohortPredicate struct {
	Roles        []string `json:"roles"`
	ExcludeRoles []string `json:"exclude_roles,omitempty"`
}

// BatchJob is a scheduled cohort reward. Retained for audit after completion.
type BatchJob struct {
	ID            uuid.UUID       `json:"id"`
	Cohort        CohortPredicate `json:"cohort"`
	Amount        int64           `json:"amount"`
	Reason        string          `json:"reason"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	Status        string          `json:"status"`
	ExecutedCount int             `json:"executed_count"`
	FailedCount   int             `json:"failed_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RewardConfig is an explicit snapshot of the configurable point values,
// passed into the reward orchestrator at call time so reward computation is
// deterministic and testable in isolation.
type RewardConfig struct {
	RegistrationBonus     int64
	DailyCheckinBonus     int64
	MerchantRegisterBonus int64
	InviterReward         int64
	InviteeReward         int64
	ContactViewCost       int64
	MerchantEditCost      int64
	MerchantTopCost       int64
}

// ReconcileResult reports the outcome of auditing one account.
type ReconcileResult struct {
	AccountID      uuid.UUID  `json:"account_id"`
	StoredBalance  int64      `json:"stored_balance"`
	DerivedBalance int64      `json:"derived_balance"`
	Drift          int64      `json:"drift"`
	Corrected      bool       `json:"corrected"`
	ChainBroken    bool       `json:"chain_broken"`
	CorrectionID   *uuid.UUID `json:"correction_id,omitempty"`
}

// ReconcileReport aggregates a ReconcileAll run.
type ReconcileReport struct {
	Checked   int               `json:"checked"`
	Drifted   int               `json:"drifted"`
	Corrected int               `json:"corrected"`
	Failed    int               `json:"failed"`
	Results   []ReconcileResult `json:"results,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// CreateBatchJobRequest is the DTO for the admin batch job creation endpoint.
type CreateBatchJobRequest struct {
	Roles        []string  `json:"roles"`
	ExcludeRoles []string  `json:"exclude_roles,omitempty"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// AdminAdjustmentRequest is the DTO for manual balance adjustments.
type AdminAdjustmentRequest struct {
	AccountID      uuid.UUID `json:"account_id"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// EnsureAccountRequest is the DTO the identity collaborator posts after it
// creates an identity. Mirroring plus the registration bonus replace the
// source system's signup database trigger with an explicit, retryable step.
type EnsureAccountRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Role      string    `json:"role"`
}

// InvitationRequest is the DTO for the paired invitation reward flow.
type InvitationRequest struct {
	InviterID uuid.UUID `json:"inviter_id"`
	InviteeID uuid.UUID `json:"invitee_id"`
}

// SpendRequest is the DTO for point-consuming actions.
type SpendRequest struct {
	MerchantID uuid.UUID `json:"merchant_id"`
	RequestID  string    `json:"request_id,omitempty"`
}
