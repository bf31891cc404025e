/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct wraps the repository's atomic apply primitive with request
 * validation, idempotent retry handling, bounded backoff for lock contention,
 * and fire-and-forget event publishing. Every balance mutation in the system
 * flows through `ApplyTransaction`; the reward, batch, and reconciliation
 * flows in the sibling files are all composed from it.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing ledger events to the message broker.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
	"github.com/pointgrid/ledger-service/pkg/rabbitmq"
)

const (
	// LedgerEventsExchange is the topic exchange all ledger events go to.
	LedgerEventsExchange = "ledger.events"

	routingKeyTransactionApplied = "ledger.transaction.applied"
	routingKeyBatchCompleted     = "ledger.batch.completed"

	defaultApplyAttempts  = 3
	defaultApplyBackoff   = 100 * time.Millisecond
	defaultBatchChunkSize = 100
)

var (
	ErrZeroAmount             = errors.New("transaction amount must not be zero")
	ErrInvalidAccount         = errors.New("account id is required")
	ErrInvalidTransactionType = errors.New("transaction type is required")
	ErrSelfInvitation         = errors.New("inviter and invitee must be distinct accounts")
	ErrInvalidBatchAmount     = errors.New("batch reward amount must be positive")
	ErrEmptyCohort            = errors.New("cohort predicate must name at least one role")
	ErrBatchJobNotCancellable = errors.New("batch job can only be cancelled while pending")
	ErrInvitationCompensated  = errors.New("invitation reward was already reversed; manual review required")
	ErrSpendRateLimited       = errors.New("too many spend requests; try again later")
)

// SpendRateLimiter is the contract for distributed rate limiting of
// point-spend actions.
type SpendRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the points ledger.
type Service struct {
	repo    store.Repository
	events  rabbitmq.Publisher
	rewards domain.RewardConfig

	applyAttempts  int
	applyBackoff   time.Duration
	batchChunkSize int

	rateLimiter         SpendRateLimiter
	spendLimitPerMinute int
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, rewards domain.RewardConfig) *Service {
	return &Service{
		repo:           repo,
		events:         producer,
		rewards:        rewards,
		applyAttempts:  defaultApplyAttempts,
		applyBackoff:   defaultApplyBackoff,
		batchChunkSize: defaultBatchChunkSize,
	}
}

// ConfigureRetries overrides the bounded-backoff policy used when the
// repository reports a retryable lock/serialization failure.
func (s *Service) ConfigureRetries(attempts int, backoff time.Duration) {
	if attempts > 0 {
		s.applyAttempts = attempts
	}
	if backoff > 0 {
		s.applyBackoff = backoff
	}
}

// ConfigureBatchChunkSize overrides how many cohort members are applied per
// chunk during batch execution.
func (s *Service) ConfigureBatchChunkSize(size int) {
	if size > 0 {
		s.batchChunkSize = size
	}
}

// SetSpendRateLimiter installs a distributed rate limiter for spend actions.
func (s *Service) SetSpendRateLimiter(limiter SpendRateLimiter, limitPerMinute int) {
	s.rateLimiter = limiter
	s.spendLimitPerMinute = limitPerMinute
}

// Rewards returns the configured reward amounts snapshot. Callers pass the
// snapshot into the orchestration flows explicitly so a config reload can
// never change amounts mid-flow.
func (s *Service) Rewards() domain.RewardConfig {
	return s.rewards
}

// EnsureAccount mirrors an identity-collaborator account into the ledger.
func (s *Service) EnsureAccount(ctx context.Context, accountID uuid.UUID, role string) (*domain.Account, error) {
	if accountID == uuid.Nil {
		return nil, ErrInvalidAccount
	}
	return s.repo.EnsureAccount(ctx, accountID, role)
}

// GetAccount retrieves an account and its current balance.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// ListTransactions retrieves a page of an account's transaction history.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsByAccount(ctx, accountID, limit, offset)
}

// ApplyTransaction is the single mutation primitive. It validates the
// request, resolves idempotent replays to the previously committed
// transaction, retries lock contention with bounded backoff, and publishes a
// notification event after commit.
//
// Failure semantics: any error means nothing was applied. Callers always get
// either a committed transaction or a typed error, never a partial result.
func (s *Service) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error) {
	if req.Amount == 0 {
		return nil, ErrZeroAmount
	}
	if req.AccountID == uuid.Nil {
		return nil, ErrInvalidAccount
	}
	if req.Type == "" {
		return nil, ErrInvalidTransactionType
	}

	// Fast path for retried events: if the key is already committed, return
	// the prior transaction without taking any lock. The repository re-checks
	// under the lock, so this is an optimization, not the correctness anchor.
	if req.IdempotencyKey != nil {
		existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.applyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.applyBackoff * time.Duration(attempt)):
			}
		}

		record, err := s.repo.ApplyTransaction(ctx, req)
		if err == nil {
			s.publishTransactionApplied(ctx, record)
			return record, nil
		}
		if req.IdempotencyKey != nil && store.IsUniqueViolation(err) {
			// Lost a cross-account race on the idempotency index; the other
			// writer's transaction is the result.
			return s.repo.FindTransactionByIdempotencyKey(ctx, *req.IdempotencyKey)
		}
		if !store.IsRetryableError(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("level=warn component=service flow=apply msg=\"retryable ledger conflict\" account_id=%s attempt=%d err=%v", req.AccountID, attempt+1, err)
	}

	return nil, fmt.Errorf("ledger apply retries exhausted: %w", lastErr)
}

// publishTransactionApplied emits a fire-and-forget notification event. The
// transaction has already committed; a publish failure is logged and dropped.
func (s *Service) publishTransactionApplied(ctx context.Context, record *domain.Transaction) {
	if s.events == nil {
		return
	}
	event := domain.TransactionAppliedEvent{
		TransactionID: record.ID,
		AccountID:     record.AccountID,
		Amount:        record.Amount,
		BalanceAfter:  record.BalanceAfter,
		Type:          record.Type,
		Description:   record.Description,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, LedgerEventsExchange, routingKeyTransactionApplied, event); err != nil {
		log.Printf("level=warn component=service flow=apply msg=\"transaction event publish failed\" transaction_id=%s err=%v", record.ID, err)
	}
}

func (s *Service) checkSpendRateLimit(ctx context.Context, scope string, accountID uuid.UUID) error {
	if s.rateLimiter == nil || s.spendLimitPerMinute <= 0 {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, accountID.String(), s.spendLimitPerMinute, time.Minute)
	if err != nil {
		// Rate limiting is best-effort; a limiter outage must not block spends.
		log.Printf("level=warn component=service flow=spend msg=\"rate limiter unavailable\" scope=%s account_id=%s err=%v", scope, accountID, err)
		return nil
	}
	if count > s.spendLimitPerMinute {
		return ErrSpendRateLimited
	}
	return nil
}
