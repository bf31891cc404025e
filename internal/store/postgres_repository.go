/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the ledger tables: `accounts`
 * (one row per account, current balance), `transactions` (append-only log),
 * and `batch_jobs` (scheduled cohort rewards).
 *
 * Concurrency model: `ApplyTransaction` serializes writers per account with a
 * `SELECT ... FOR UPDATE` row lock inside a single database transaction.
 * Operations on different accounts never block each other; operations on the
 * same account are totally ordered by lock acquisition, which is what makes
 * the `balance_after` chain gapless.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pointgrid/ledger-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the ledger tables if they do not exist. The unique
// partial index on `idempotency_key` is the only schema-level enforcement
// mechanism beyond primary and foreign keys; it backstops the in-transaction
// idempotency re-check against races.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			role TEXT NOT NULL DEFAULT 'user',
			balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			related_account_id UUID,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_key_idx
			ON transactions (idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS transactions_account_created_idx
			ON transactions (account_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			id UUID PRIMARY KEY,
			cohort JSONB NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			executed_count INT NOT NULL DEFAULT 0,
			failed_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS batch_jobs_due_idx
			ON batch_jobs (scheduled_at) WHERE status = 'pending'`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure ledger schema: %w", err)
		}
	}
	return nil
}

// IsRetryableError reports whether a failed database operation can be retried
// by the caller (lock timeout, deadlock, serialization failure). These are
// never surfaced as business errors.
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
		return true
	}
	return false
}

// IsUniqueViolation reports whether an error is a unique-constraint violation.
// The partial unique index on idempotency_key turns a cross-account duplicate
// race into this error instead of a double apply.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// EnsureAccount mirrors an identity-collaborator account into the ledger with
// balance 0. Re-posting the same account is a no-op apart from a role refresh.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID uuid.UUID, role string) (*domain.Account, error) {
	var account domain.Account
	query := `
		INSERT INTO accounts (id, role, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
		RETURNING id, role, balance, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, accountID, role).Scan(
		&account.ID, &account.Role, &account.Balance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account from the database by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, role, balance, created_at, updated_at FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.Role, &account.Balance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccountIDs returns the IDs of every ledger account.
func (r *PostgresRepository) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyTransaction performs one atomic ledger mutation. This is the sole legal
// writer path for the balance column.
func (r *PostgresRepository) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// 1. Lock the account row. Use FOR UPDATE so concurrent writers to the
	// same account serialize here; writers to other accounts are unaffected.
	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, req.AccountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	// 2. Re-check the idempotency key inside the lock. A check done before
	// the lock can race with a concurrent apply of the same logical event.
	if req.IdempotencyKey != nil {
		existing, err := findTransactionByIdempotencyKeyTx(ctx, tx, *req.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// 3. Debits must never drive a balance negative, regardless of caller.
	newBalance := balance + req.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}

	var metadataJSON []byte
	if req.Metadata != nil {
		metadataJSON, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction metadata: %w", err)
		}
	}

	record := &domain.Transaction{
		ID:               uuid.New(),
		AccountID:        req.AccountID,
		Amount:           req.Amount,
		BalanceAfter:     newBalance,
		Type:             req.Type,
		Description:      req.Description,
		IdempotencyKey:   req.IdempotencyKey,
		RelatedAccountID: req.RelatedAccountID,
		Metadata:         req.Metadata,
	}

	insertQuery := `
		INSERT INTO transactions (
			id, account_id, amount, balance_after, type, description,
			idempotency_key, related_account_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		record.ID,
		record.AccountID,
		record.Amount,
		record.BalanceAfter,
		record.Type,
		record.Description,
		record.IdempotencyKey,
		record.RelatedAccountID,
		metadataJSON,
	).Scan(&record.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, req.AccountID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

const transactionColumns = `
	id, account_id, amount, balance_after, type, description,
	idempotency_key, related_account_id, metadata, created_at
`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var record domain.Transaction
	var metadataJSON []byte
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&record.Amount,
		&record.BalanceAfter,
		&record.Type,
		&record.Description,
		&record.IdempotencyKey,
		&record.RelatedAccountID,
		&metadataJSON,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction metadata: %w", err)
		}
	}
	return &record, nil
}

func findTransactionByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	record, err := scanTransaction(tx.QueryRow(ctx, query, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindTransactionByIdempotencyKey retrieves the transaction committed under a
// given idempotency key, if any.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	record, err := scanTransaction(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListTransactionsByAccount retrieves a page of an account's transactions,
// newest first.
func (r *PostgresRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *record)
	}
	return transactions, rows.Err()
}

// ListTransactionHistory retrieves an account's full transaction log in
// commit order. Used by the reconciliation auditor.
func (r *PostgresRepository) ListTransactionHistory(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *record)
	}
	return transactions, rows.Err()
}

// CreateBatchJob inserts a new scheduled cohort reward job.
func (r *PostgresRepository) CreateBatchJob(ctx context.Context, job *domain.BatchJob) error {
	cohortJSON, err := json.Marshal(job.Cohort)
	if err != nil {
		return fmt.Errorf("failed to marshal cohort predicate: %w", err)
	}
	query := `
		INSERT INTO batch_jobs (id, cohort, amount, reason, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		job.ID, cohortJSON, job.Amount, job.Reason, job.ScheduledAt, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func scanBatchJob(row pgx.Row) (*domain.BatchJob, error) {
	var job domain.BatchJob
	var cohortJSON []byte
	err := row.Scan(
		&job.ID, &cohortJSON, &job.Amount, &job.Reason, &job.ScheduledAt,
		&job.Status, &job.ExecutedCount, &job.FailedCount, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cohortJSON, &job.Cohort); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cohort predicate: %w", err)
	}
	return &job, nil
}

const batchJobColumns = `
	id, cohort, amount, reason, scheduled_at, status,
	executed_count, failed_count, created_at, updated_at
`

// FindBatchJobByID retrieves a batch job by its ID.
func (r *PostgresRepository) FindBatchJobByID(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	query := `SELECT ` + batchJobColumns + ` FROM batch_jobs WHERE id = $1`
	job, err := scanBatchJob(r.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListDueBatchJobs returns pending jobs whose scheduled time has passed.
func (r *PostgresRepository) ListDueBatchJobs(ctx context.Context, asOf time.Time, limit int) ([]domain.BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + batchJobColumns + `
		FROM batch_jobs
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimBatchJob transitions a job from pending to running. It reports whether
// this caller won the claim; a false result without error means another
// executor (or a cancel) got there first.
func (r *PostgresRepository) ClaimBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE batch_jobs SET status = 'running', updated_at = NOW() WHERE id = $1 AND status = 'pending'`,
		jobID,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// CancelBatchJob transitions a job from pending to cancelled. Cancellation is
// only possible before execution begins.
func (r *PostgresRepository) CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE batch_jobs SET status = 'cancelled', updated_at = NOW() WHERE id = $1 AND status = 'pending'`,
		jobID,
	)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		// Distinguish "not cancellable" from "does not exist".
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrBatchJobNotFound
		}
		return false, nil
	}
	return true, nil
}

// FinalizeBatchJob records the terminal status and counters for a running job.
func (r *PostgresRepository) FinalizeBatchJob(ctx context.Context, jobID uuid.UUID, status string, executed, failed int) error {
	result, err := r.db.Exec(ctx,
		`UPDATE batch_jobs
		 SET status = $2, executed_count = $3, failed_count = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`,
		jobID, status, executed, failed,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBatchJobNotFound
	}
	return nil
}

// ResolveCohort materializes a cohort predicate into a concrete account-id
// list. Resolution happens at execution time, not at job creation time, so
// membership reflects the account store as of the moment the job fires.
func (r *PostgresRepository) ResolveCohort(ctx context.Context, cohort domain.CohortPredicate) ([]uuid.UUID, error) {
	query := `SELECT id FROM accounts WHERE role = ANY($1)`
	args := []interface{}{cohort.Roles}
	if len(cohort.ExcludeRoles) > 0 {
		query += ` AND NOT (role = ANY($2))`
		args = append(args, cohort.ExcludeRoles)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
