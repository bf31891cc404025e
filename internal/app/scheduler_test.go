package app

import (
	"context"
	"testing"
	"time"

	"github.com/pointgrid/ledger-service/internal/domain"
)

func TestScheduler_DispatchesDueJobsInline(t *testing.T) {
	repo := newBatchRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	due, err := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:       []string{"user"},
		Amount:      10,
		ScheduledAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create due job failed: %v", err)
	}
	future, err := svc.CreateBatchJob(context.Background(), domain.CreateBatchJobRequest{
		Roles:       []string{"user"},
		Amount:      10,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create future job failed: %v", err)
	}

	// No broker configured, so due jobs execute inline.
	scheduler := NewBatchScheduler(svc, nil, time.Minute)
	scheduler.dispatchDue()

	dueJob, _ := repo.FindBatchJobByID(context.Background(), due.ID)
	if dueJob.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected due job completed, got %s", dueJob.Status)
	}
	futureJob, _ := repo.FindBatchJobByID(context.Background(), future.ID)
	if futureJob.Status != domain.BatchStatusPending {
		t.Fatalf("expected future job untouched, got %s", futureJob.Status)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 10 {
		t.Fatalf("expected one credit of 10, got %d", account.Balance)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	repo := newBatchRepoStub()
	svc := NewService(repo, nil, testRewardConfig())

	scheduler := NewBatchScheduler(svc, nil, 50*time.Millisecond)
	scheduler.Start()
	time.Sleep(10 * time.Millisecond)
	scheduler.Stop()
}
