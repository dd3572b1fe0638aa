package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keelhq/forge/pkg/buildspec"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

const (
	jobTTL     = 24 * time.Hour
	pendingKey = "forge:builds:pending"
)

// Job is a queued build request plus its progress bookkeeping.
type Job struct {
	ID          string         `json:"id"`
	ContextDir  string         `json:"context_dir"`
	Spec        buildspec.Spec `json:"spec"`
	Tag         string         `json:"tag,omitempty"`
	Status      JobStatus      `json:"status"`
	WorkerID    string         `json:"worker_id,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   int64          `json:"started_at,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	ImageDigest string         `json:"image_digest,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Queue is a redis-backed build job queue shared between the service and
// its workers.
type Queue struct {
	redis *redis.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{redis: client}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	job.CreatedAt = time.Now().Unix()
	job.Status = StatusPending

	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.redis.RPush(ctx, pendingKey, job.ID).Err()
}

// Dequeue blocks up to five seconds for a pending job. Returns nil when the
// queue stays empty.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	result, err := q.redis.BLPop(ctx, 5*time.Second, pendingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := q.Get(ctx, result[1])
	if err != nil {
		return nil, err
	}

	job.Status = StatusProcessing
	job.WorkerID = workerID
	job.StartedAt = time.Now().Unix()
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Complete(ctx context.Context, jobID, imageDigest string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusCompleted
	job.CompletedAt = time.Now().Unix()
	job.ImageDigest = imageDigest
	return q.save(ctx, job)
}

func (q *Queue) Fail(ctx context.Context, jobID string, errorMsg string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusFailed
	job.CompletedAt = time.Now().Unix()
	job.Error = errorMsg
	return q.save(ctx, job)
}

func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, pendingKey).Result()
}

func (q *Queue) Close() error {
	return q.redis.Close()
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func jobKey(id string) string {
	return fmt.Sprintf("forge:build:%s", id)
}
