// Package worker binds the export queue to the orchestrator: each
// concurrency slot runs a blocking dequeue loop and drives dequeued jobs to
// a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/silvercrow/onecut/internal/db"
	"github.com/silvercrow/onecut/internal/export"
	"github.com/silvercrow/onecut/internal/models"
	"github.com/silvercrow/onecut/internal/queue"
)

type Worker struct {
	db           *db.DB
	queue        *queue.Queue
	orchestrator *export.Orchestrator
}

func New(database *db.DB, q *queue.Queue, orch *export.Orchestrator) *Worker {
	return &Worker{
		db:           database,
		queue:        q,
		orchestrator: orch,
	}
}

// Start runs the dequeue loops until ctx is cancelled. Each slot processes
// one export at a time; an export owns exactly one engine subprocess and,
// when needed, one overlay-rendering session.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing export: %v", err)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing export job %s", job.ID)

			var req models.StartExportRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				log.Printf("Job %s has malformed payload: %v", job.ID, err)
				if dbErr := w.db.MarkFailed(ctx, job.ID, models.ErrorKindValidation, "malformed job payload"); dbErr != nil {
					log.Printf("Failed to record job failure: %v", dbErr)
				}
				continue
			}

			if err := w.orchestrator.Execute(ctx, job.ID, req); err != nil {
				log.Printf("Job %s execution error: %v", job.ID, err)
			}
		}
	}
}
