package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
)

// batchRepoStub layers an in-memory batch job store over the ledger stub.
type batchRepoStub struct {
	*ledgerRepoStub
	jobs map[uuid.UUID]*domain.BatchJob

	resolveErr error
}

func newBatchRepoStub() *batchRepoStub {
	return &batchRepoStub{
		ledgerRepoStub: newLedgerRepoStub(),
		jobs:           make(map[uuid.UUID]*domain.BatchJob),
	}
}

func (s *batchRepoStub) CreateBatchJob(ctx context.Context, job *domain.BatchJob) error {
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *batchRepoStub) FindBatchJobByID(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrBatchJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *batchRepoStub) ListDueBatchJobs(ctx context.Context, asOf time.Time, limit int) ([]domain.BatchJob, error) {
	var due []domain.BatchJob
	for _, job := range s.jobs {
		if job.Status == domain.BatchStatusPending && !job.ScheduledAt.After(asOf) {
			due = append(due, *job)
		}
	}
	return due, nil
}

func (s *batchRepoStub) ClaimBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return false, store.ErrBatchJobNotFound
	}
	if job.Status != domain.BatchStatusPending {
		return false, nil
	}
	job.Status = domain.BatchStatusRunning
	return true, nil
}

func (s *batchRepoStub) CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return false, store.ErrBatchJobNotFound
	}
	if job.Status != domain.BatchStatusPending {
		return false, nil
	}
	job.Status = domain.BatchStatusCancelled
	return true, nil
}

func (s *batchRepoStub) FinalizeBatchJob(ctx context.Context, jobID uuid.UUID, status string, executed, failed int) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrBatchJobNotFound
	}
	job.Status = status
	job.ExecutedCount = executed
	job.FailedCount = failed
	return nil
}

func (s *batchRepoStub) ResolveCohort(ctx context.Context, cohort domain.CohortPredicate) ([]uuid.UUID, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	var members []uuid.UUID
	for id, account := range s.accounts {
		if containsRole(cohort.ExcludeRoles, account.Role) {
			continue
		}
		if containsRole(cohort.Roles, account.Role) {
			members = append(members, id)
		}
	}
	return members, nil
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func TestCreateBatchJob_Validation(t *testing.T) {
	svc := NewService(newBatchRepoStub(), nil, testRewardConfig())

	_, err := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 0,
	})
	if !errors.Is(err, ErrInvalidBatchAmount) {
		t.Fatalf("expected ErrInvalidBatchAmount, got %v", err)
	}

	_, err = svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Amount: 10,
	})
	if !errors.Is(err, ErrEmptyCohort) {
		t.Fatalf("expected ErrEmptyCohort, got %v", err)
	}
}

func TestExecuteBatchJob_CreditsWholeCohort(t *testing.T) {
	repo := newBatchRepoStub()
	userA := repo.addAccount("user", 0)
	userB := repo.addAccount("user", 5)
	merchant := repo.addAccount("merchant", 0)
	svc := NewService(repo, nil, testRewardConfig())

	job, err := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 25,
		Reason: "launch promotion",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := svc.ExecuteBatchJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}
	if result.ExecutedCount != 2 || result.FailedCount != 0 {
		t.Fatalf("expected executed=2 failed=0, got executed=%d failed=%d", result.ExecutedCount, result.FailedCount)
	}

	a, _ := repo.FindAccountByID(context.Background(), userA)
	b, _ := repo.FindAccountByID(context.Background(), userB)
	m, _ := repo.FindAccountByID(context.Background(), merchant)
	if a.Balance != 25 || b.Balance != 30 {
		t.Fatalf("expected user balances 25 and 30, got %d and %d", a.Balance, b.Balance)
	}
	if m.Balance != 0 {
		t.Fatalf("expected merchant excluded from cohort, got balance %d", m.Balance)
	}
}

func TestExecuteBatchJob_ReexecutionIsNoOp(t *testing.T) {
	repo := newBatchRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	job, _ := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 10,
	})
	if _, err := svc.ExecuteBatchJob(context.Background(), job.ID); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if _, err := svc.ExecuteBatchJob(context.Background(), job.ID); err != nil {
		t.Fatalf("second execute failed: %v", err)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 10 {
		t.Fatalf("expected single credit of 10, got %d", account.Balance)
	}
}

func TestExecuteBatchJob_ResumesRunningJobWithoutDoubleCredit(t *testing.T) {
	repo := newBatchRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	job, _ := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 10,
	})

	// Simulate a crashed run: job claimed and one member already credited.
	if _, err := repo.ClaimBatchJob(context.Background(), job.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	key := job.ID.String() + ":" + accountID.String()
	if _, err := repo.ledgerRepoStub.ApplyTransaction(context.Background(), domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         10,
		Type:           domain.TypeBatchReward,
		IdempotencyKey: &key,
	}); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	result, err := svc.ExecuteBatchJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if result.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 10 {
		t.Fatalf("expected replayed member grant to not double-credit, got %d", account.Balance)
	}
}

func TestExecuteBatchJob_ResolveFailureMarksJobFailed(t *testing.T) {
	repo := newBatchRepoStub()
	repo.addAccount("user", 0)
	repo.resolveErr = errors.New("query timeout")
	svc := NewService(repo, nil, testRewardConfig())

	job, _ := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 10,
	})
	if _, err := svc.ExecuteBatchJob(context.Background(), job.ID); err == nil {
		t.Fatal("expected execute to fail when cohort resolution fails")
	}

	stored, _ := repo.FindBatchJobByID(context.Background(), job.ID)
	if stored.Status != domain.BatchStatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
}

func TestCancelBatchJob_OnlyWhilePending(t *testing.T) {
	repo := newBatchRepoStub()
	repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	job, _ := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 10,
	})

	cancelled, err := svc.CancelBatchJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.BatchStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}

	// A cancelled job cannot be cancelled again or executed.
	if _, err := svc.CancelBatchJob(context.Background(), job.ID); !errors.Is(err, ErrBatchJobNotCancellable) {
		t.Fatalf("expected ErrBatchJobNotCancellable, got %v", err)
	}
	result, err := svc.ExecuteBatchJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute of cancelled job errored: %v", err)
	}
	if result.Status != domain.BatchStatusCancelled {
		t.Fatalf("expected execute of cancelled job to be a no-op, got %s", result.Status)
	}
	if result.ExecutedCount != 0 {
		t.Fatalf("expected no members credited, got %d", result.ExecutedCount)
	}
}

func TestBatchExecuteConsumer_AckDecisions(t *testing.T) {
	repo := newBatchRepoStub()
	repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())
	consumer := NewBatchExecuteConsumer(svc)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged and dropped")
	}
	if !consumer.HandleMessage([]byte(`{"job_id":"00000000-0000-0000-0000-000000000000"}`)) {
		t.Fatal("expected nil job id to be acknowledged and dropped")
	}
	if !consumer.HandleMessage([]byte(`{"job_id":"` + uuid.NewString() + `"}`)) {
		t.Fatal("expected unknown job to be acknowledged and dropped")
	}

	job, _ := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:  []string{"user"},
		Amount: 10,
	})
	if !consumer.HandleMessage([]byte(`{"job_id":"` + job.ID.String() + `"}`)) {
		t.Fatal("expected valid command to be acknowledged")
	}
	stored, _ := repo.FindBatchJobByID(context.Background(), job.ID)
	if stored.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected job completed via consumer, got %s", stored.Status)
	}
}
