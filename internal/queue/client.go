package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/dataintegration/internal/config"
)

const processQueue = "default"

// Client enqueues processing tasks and cancels them on the workers. It
// implements source.Dispatcher and ingest.RemoteCanceller.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig, processingTimeout time.Duration) *Client {
	opt := RedisOpt(cfg)
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		timeout:   processingTimeout,
	}
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Dispatch enqueues processing of a source. The task id is the source id,
// so a source is never queued twice.
func (c *Client) Dispatch(ctx context.Context, sourceID, businessID uuid.UUID) error {
	opts := []asynq.Option{
		asynq.TaskID(sourceID.String()),
		asynq.Queue(processQueue),
		asynq.MaxRetry(3),
		asynq.Retention(24 * time.Hour),
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	err := c.enqueue(ctx, TypeSourceProcess, SourceProcessPayload{
		SourceID:   sourceID.String(),
		BusinessID: businessID.String(),
	}, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// CancelProcessing stops the source's task if a worker is running it and
// drops it if it is still queued.
func (c *Client) CancelProcessing(_ context.Context, sourceID uuid.UUID) error {
	id := sourceID.String()
	if err := c.inspector.CancelProcessing(id); err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	err := c.inspector.DeleteTask(processQueue, id)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// NewScheduler registers the periodic stale-source reaper.
func NewScheduler(cfg config.RedisConfig, reapCron string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(RedisOpt(cfg), &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := s.Register(reapCron, asynq.NewTask(TypeSourceReap, nil), asynq.MaxRetry(0), asynq.Unique(time.Minute)); err != nil {
		return nil, fmt.Errorf("register reaper: %w", err)
	}
	return s, nil
}
