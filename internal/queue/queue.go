// Package queue decouples export submission from execution: the API enqueues
// a job reference and returns immediately; the worker dequeues and runs it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const QueueExport = "queue:export"

type Queue struct {
	client *redis.Client
}

// Job is the queued reference to an export. The full timeline payload rides
// along so the worker never depends on request-scoped state.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueExport pushes an export job with its full timeline payload.
func (q *Queue) EnqueueExport(ctx context.Context, jobID uuid.UUID, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &Job{ID: jobID, Payload: raw, CreatedAt: time.Now()}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, QueueExport, data).Err()
}

// Dequeue blocks up to timeout for the next export job. A nil job with nil
// error means the timeout elapsed with nothing queued.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueExport).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Length reports the number of queued exports.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueExport).Result()
}
