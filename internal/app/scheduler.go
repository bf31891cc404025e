/**
 * @description
 * BatchScheduler polls for due batch reward jobs on a fixed interval and
 * dispatches each one as an execute command on the message broker. Dispatch
 * is decoupled from execution so a slow cohort never blocks the polling loop;
 * when no broker is configured the scheduler executes jobs inline instead.
 *
 * Duplicate dispatch is harmless: the job claim and the per-member
 * idempotency keys make execution safe under at-least-once delivery.
 */

package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/pkg/rabbitmq"
)

const (
	// RoutingKeyBatchExecute is the command routing key the scheduler
	// publishes and the batch consumer binds to.
	RoutingKeyBatchExecute = "ledger.batch.execute"

	defaultDispatchLimit = 50
)

// BatchScheduler drives scheduled batch jobs to execution.
type BatchScheduler struct {
	service  *Service
	events   rabbitmq.Publisher
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBatchScheduler creates a scheduler that polls every interval.
func NewBatchScheduler(service *Service, events rabbitmq.Publisher, interval time.Duration) *BatchScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BatchScheduler{
		service:  service,
		events:   events,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the polling loop in a background goroutine. One tick runs
// immediately so due jobs are not delayed a full interval after startup.
func (bs *BatchScheduler) Start() {
	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		log.Printf("level=info component=scheduler msg=\"batch scheduler started\" interval=%s", bs.interval)

		ticker := time.NewTicker(bs.interval)
		defer ticker.Stop()

		bs.dispatchDue()
		for {
			select {
			case <-ticker.C:
				bs.dispatchDue()
			case <-bs.stop:
				log.Printf("level=info component=scheduler msg=\"batch scheduler stopped\"")
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
func (bs *BatchScheduler) Stop() {
	close(bs.stop)
	bs.wg.Wait()
}

func (bs *BatchScheduler) dispatchDue() {
	ctx, cancel := context.WithTimeout(context.Background(), bs.interval)
	defer cancel()

	jobs, err := bs.service.repo.ListDueBatchJobs(ctx, time.Now().UTC(), defaultDispatchLimit)
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to list due batch jobs\" err=%v", err)
		return
	}

	for _, job := range jobs {
		if bs.events == nil {
			if _, err := bs.service.ExecuteBatchJob(ctx, job.ID); err != nil {
				log.Printf("level=error component=scheduler msg=\"inline batch execution failed\" job_id=%s err=%v", job.ID, err)
			}
			continue
		}
		cmd := domain.BatchExecuteCommand{JobID: job.ID}
		if err := bs.events.Publish(ctx, LedgerEventsExchange, RoutingKeyBatchExecute, cmd); err != nil {
			// Leave the job pending; the next tick retries the dispatch.
			log.Printf("level=error component=scheduler msg=\"failed to dispatch batch job\" job_id=%s err=%v", job.ID, err)
			continue
		}
		log.Printf("level=info component=scheduler msg=\"batch job dispatched\" job_id=%s", job.ID)
	}
}
