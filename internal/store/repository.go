/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the ledger-service. The interface
 * decouples the application's business logic from the PostgreSQL
 * implementation and lets tests substitute hand-written stubs.
 *
 * The repository is the sole arbiter of the per-account lock: the account
 * balance column is written only inside `ApplyTransaction`, never by any
 * other method or component.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrBatchJobNotFound    = errors.New("batch job not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods. EnsureAccount mirrors an externally assigned identity
	// into the ledger with balance 0; it is an upsert and safe to retry.
	EnsureAccount(ctx context.Context, accountID uuid.UUID, role string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	// Transaction methods. ApplyTransaction is the single atomic mutation
	// primitive: lock the account row, re-check the idempotency key, validate
	// the resulting balance, append the transaction, update the balance.
	ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	ListTransactionHistory(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error)

	// Batch job methods. ClaimBatchJob transitions pending -> running and
	// reports whether this caller won the claim.
	CreateBatchJob(ctx context.Context, job *domain.BatchJob) error
	FindBatchJobByID(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)
	ListDueBatchJobs(ctx context.Context, asOf time.Time, limit int) ([]domain.BatchJob, error)
	ClaimBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	FinalizeBatchJob(ctx context.Context, jobID uuid.UUID, status string, executed, failed int) error
	ResolveCohort(ctx context.Context, cohort domain.CohortPredicate) ([]uuid.UUID, error)
}
