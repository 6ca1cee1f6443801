package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/DynQR/internal/export"
)

const (
	// ExportTask renders a record's PNG into the export bucket.
	ExportTask = "qrcode:export"

	maxRetry = 5
)

// RedisOpt builds the asynq connection options shared by client and worker.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// NewExportTask serializes job into a task.
func NewExportTask(job export.Job) (*asynq.Task, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ExportTask, data), nil
}

// ParseExportTask is the inverse of NewExportTask.
func ParseExportTask(task *asynq.Task) (export.Job, error) {
	var job export.Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return export.Job{}, fmt.Errorf("decode payload: %w", err)
	}
	if job.RecordID == "" {
		return export.Job{}, fmt.Errorf("payload without record id")
	}
	return job, nil
}

// Client enqueues export tasks on Redis.
type Client struct {
	client *asynq.Client
}

var _ export.Enqueuer = (*Client)(nil)

// NewClient connects an asynq client.
func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

// Enqueue schedules an export with up to five retries.
func (c *Client) Enqueue(ctx context.Context, job export.Job) error {
	task, err := NewExportTask(job)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue export task: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
