package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionAppliedEvent is published to the message broker after a ledger
// transaction commits. Delivery and rendering are the notification
// collaborator's responsibility; publish failures never roll back the commit.
type TransactionAppliedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	Type          TransactionType `json:"type"`
	Description   string          `json:"description"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BatchCompletedEvent is published after a batch job finishes executing.
type BatchCompletedEvent struct {
	JobID         uuid.UUID `json:"job_id"`
	Status        string    `json:"status"`
	ExecutedCount int       `json:"executed_count"`
	FailedCount   int       `json:"failed_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// BatchExecuteCommand is the payload the scheduler collaborator publishes to
// trigger execution of a due batch job. Delivery is at-least-once; execution
// is idempotent at both the job and the per-account level.
type BatchExecuteCommand struct {
	JobID uuid.UUID `json:"job_id"`
}
