/**
 * @description
 * Batch reward job lifecycle: creation, cancellation, and execution. A job
 * stores a cohort predicate, not a frozen member list; membership is resolved
 * at execution time. Execution is idempotent end to end: the job claim stops
 * duplicate runs, and each member grant carries a per-job idempotency key so a
 * crash-resumed run skips the accounts already credited.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
)

// CreateBatchJob validates and persists a scheduled cohort reward.
func (s *Service) CreateBatchJob(ctx context.Context, req domain.CreateBatchJobRequest) (*domain.BatchJob, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidBatchAmount
	}
	if len(req.Roles) == 0 {
		return nil, ErrEmptyCohort
	}
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	job := &domain.BatchJob{
		ID: uuid.New(),
		Cohort: domain.CohortPredicate{
			Roles:        req.Roles,
			ExcludeRoles: req.ExcludeRoles,
		},
		Amount:      req.Amount,
		Reason:      req.Reason,
		ScheduledAt: scheduledAt.UTC(),
		Status:      domain.BatchStatusPending,
	}
	if err := s.repo.CreateBatchJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}
	log.Printf("level=info component=service flow=batch msg=\"batch job created\" job_id=%s amount=%d scheduled_at=%s", job.ID, job.Amount, job.ScheduledAt.Format(time.RFC3339))
	return job, nil
}

// GetBatchJob retrieves a batch job by id.
func (s *Service) GetBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	return s.repo.FindBatchJobByID(ctx, jobID)
}

// CancelBatchJob cancels a job that has not started. Jobs that are already
// running or terminal cannot be cancelled.
func (s *Service) CancelBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	cancelled, err := s.repo.CancelBatchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, ErrBatchJobNotCancellable
	}
	log.Printf("level=info component=service flow=batch msg=\"batch job cancelled\" job_id=%s", jobID)
	return s.repo.FindBatchJobByID(ctx, jobID)
}

// ExecuteBatchJob runs one due batch job to completion. Safe to call more
// than once for the same job: a terminal job is a no-op, a pending job is
// claimed, and a job already marked running is resumed (crash recovery), with
// the per-member idempotency keys deduplicating any grants the earlier run
// committed.
func (s *Service) ExecuteBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	job, err := s.repo.FindBatchJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case domain.BatchStatusCompleted, domain.BatchStatusCancelled, domain.BatchStatusFailed:
		return job, nil
	case domain.BatchStatusPending:
		claimed, err := s.repo.ClaimBatchJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim batch job: %w", err)
		}
		if !claimed {
			// Another worker moved the job first; report its state as-is.
			return s.repo.FindBatchJobByID(ctx, jobID)
		}
	case domain.BatchStatusRunning:
		log.Printf("level=warn component=service flow=batch msg=\"resuming batch job left running\" job_id=%s", jobID)
	}

	members, err := s.repo.ResolveCohort(ctx, job.Cohort)
	if err != nil {
		if finErr := s.repo.FinalizeBatchJob(ctx, jobID, domain.BatchStatusFailed, 0, 0); finErr != nil {
			log.Printf("level=error component=service flow=batch msg=\"failed to mark batch job failed\" job_id=%s err=%v", jobID, finErr)
		}
		return nil, fmt.Errorf("failed to resolve batch cohort: %w", err)
	}

	executed, failed := 0, 0
	for start := 0; start < len(members); start += s.batchChunkSize {
		end := start + s.batchChunkSize
		if end > len(members) {
			end = len(members)
		}
		for _, accountID := range members[start:end] {
			if ctx.Err() != nil {
				// Leave the job running; a later execution resumes it.
				return nil, ctx.Err()
			}
			key := fmt.Sprintf("%s:%s", job.ID, accountID)
			_, err := s.ApplyTransaction(ctx, domain.ApplyRequest{
				AccountID:      accountID,
				Amount:         job.Amount,
				Type:           domain.TypeBatchReward,
				Description:    job.Reason,
				IdempotencyKey: &key,
				Metadata:       map[string]interface{}{"batch_job_id": job.ID.String()},
			})
			if err != nil {
				// One member's failure never aborts the rest of the cohort.
				failed++
				log.Printf("level=warn component=service flow=batch msg=\"batch member grant failed\" job_id=%s account_id=%s err=%v", job.ID, accountID, err)
				continue
			}
			executed++
		}
	}

	if err := s.repo.FinalizeBatchJob(ctx, jobID, domain.BatchStatusCompleted, executed, failed); err != nil {
		return nil, fmt.Errorf("failed to finalize batch job: %w", err)
	}
	log.Printf("level=info component=service flow=batch msg=\"batch job completed\" job_id=%s executed=%d failed=%d", job.ID, executed, failed)

	s.publishBatchCompleted(ctx, jobID, domain.BatchStatusCompleted, executed, failed)
	return s.repo.FindBatchJobByID(ctx, jobID)
}

func (s *Service) publishBatchCompleted(ctx context.Context, jobID uuid.UUID, status string, executed, failed int) {
	if s.events == nil {
		return
	}
	event := domain.BatchCompletedEvent{
		JobID:         jobID,
		Status:        status,
		ExecutedCount: executed,
		FailedCount:   failed,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, LedgerEventsExchange, routingKeyBatchCompleted, event); err != nil {
		log.Printf("level=warn component=service flow=batch msg=\"batch event publish failed\" job_id=%s err=%v", jobID, err)
	}
}
