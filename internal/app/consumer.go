/**
 * @description
 * Message handlers for the ledger's consumer bindings. The batch execute
 * handler receives scheduler commands and drives batch jobs through the
 * service; its ack/requeue decisions encode which failures are permanent
 * (drop) versus transient (retry).
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
)

// BatchExecuteConsumer handles batch execute commands from the broker.
type BatchExecuteConsumer struct {
	service *Service
	timeout time.Duration
}

func NewBatchExecuteConsumer(service *Service) *BatchExecuteConsumer {
	return &BatchExecuteConsumer{
		service: service,
		timeout: 5 * time.Minute,
	}
}

// HandleMessage processes one batch execute command. The return value is the
// ack decision: true acknowledges the delivery, false requeues it. Malformed
// payloads and unknown jobs are acknowledged to drop, since redelivery can
// never fix them; everything else is assumed transient and requeued.
func (c *BatchExecuteConsumer) HandleMessage(body []byte) bool {
	var cmd domain.BatchExecuteCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Printf("level=error component=consumer flow=batch msg=\"malformed batch execute command; dropping\" err=%v", err)
		return true
	}
	if cmd.JobID == uuid.Nil {
		log.Printf("level=error component=consumer flow=batch msg=\"batch execute command missing job id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	job, err := c.service.ExecuteBatchJob(ctx, cmd.JobID)
	if err != nil {
		if errors.Is(err, store.ErrBatchJobNotFound) {
			log.Printf("level=warn component=consumer flow=batch msg=\"batch job not found; dropping\" job_id=%s", cmd.JobID)
			return true
		}
		log.Printf("level=error component=consumer flow=batch msg=\"batch execution failed; requeuing\" job_id=%s err=%v", cmd.JobID, err)
		return false
	}

	log.Printf("level=info component=consumer flow=batch msg=\"batch execute command processed\" job_id=%s status=%s", job.ID, job.Status)
	return true
}
