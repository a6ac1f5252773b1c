package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/neurodeploy/platform/internal/config"
)

// stagedMaxRetry bounds redelivery of staged-object tasks, which only fail on
// storage or database errors
const stagedMaxRetry = 5

// taskQueue is the queue every task is enqueued to
const taskQueue = "default"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// inspector looks up tasks already holding an id
type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Client enqueues tasks
type Client struct {
	client    enqueuer
	inspector inspector
	cfg       config.QueueConfig
}

// RedisOpt converts the Redis section of the config to asynq's connection options
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient creates a Client connected to Redis
func NewClient(redis config.RedisConfig, cfg config.QueueConfig) *Client {
	return &Client{
		client:    asynq.NewClient(RedisOpt(redis)),
		inspector: asynq.NewInspector(RedisOpt(redis)),
		cfg:       cfg,
	}
}

// Close releases the Redis connections
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

func (c *Client) tenantOptions() []asynq.Option {
	opts := []asynq.Option{asynq.MaxRetry(c.cfg.MaxRetry)}
	if c.cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(c.cfg.TaskTimeout))
	}
	return opts
}

// enqueue submits a task under taskID. A task with the same id that is still
// pending, scheduled, retrying or running is not an error: that task will do
// the work. An archived task, one that ran out of retries, is deleted and the
// task enqueued afresh so the work resumes.
func (c *Client) enqueue(ctx context.Context, taskType, taskID string, payload any, opts ...asynq.Option) error {
	task, err := newTask(taskType, payload)
	if err != nil {
		return err
	}
	opts = append([]asynq.Option{asynq.TaskID(taskID), asynq.Queue(taskQueue)}, opts...)

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		revived, reviveErr := c.reviveArchived(taskID)
		if reviveErr != nil {
			return fmt.Errorf("enqueue %s: %w", taskType, reviveErr)
		}
		if !revived {
			slog.Debug("task already enqueued", "type", taskType, "id", taskID)
			return nil
		}
		info, err = c.client.EnqueueContext(ctx, task, opts...)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		slog.Debug("task already enqueued", "type", taskType, "id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	slog.Info("task enqueued", "type", taskType, "id", info.ID, "queue", info.Queue)
	return nil
}

// reviveArchived deletes the task holding id when it is archived or already
// gone, and reports whether the id is free to enqueue again
func (c *Client) reviveArchived(id string) (bool, error) {
	info, err := c.inspector.GetTaskInfo(taskQueue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect task %s: %w", id, err)
	}
	if info.State != asynq.TaskStateArchived {
		return false, nil
	}
	if err := c.inspector.DeleteTask(taskQueue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete archived task %s: %w", id, err)
	}
	slog.Info("archived task replaced", "id", id, "last_error", info.LastErr)
	return true, nil
}

// EnqueueProvision schedules provisioning of a tenant subdomain
func (c *Client) EnqueueProvision(ctx context.Context, p ProvisionPayload) error {
	return c.enqueue(ctx, TypeProvision, ProvisionTaskID(p.Username, p.RegionName), p, c.tenantOptions()...)
}

// EnqueueTeardown schedules removal of a tenant's resources in one region
func (c *Client) EnqueueTeardown(ctx context.Context, p TeardownPayload) error {
	return c.enqueue(ctx, TypeTeardown, TeardownTaskID(p.Username, p.RegionName), p, c.tenantOptions()...)
}

// EnqueueStagedObject schedules the move of a freshly uploaded staging object
func (c *Client) EnqueueStagedObject(ctx context.Context, p StagedObjectPayload) error {
	return c.enqueue(ctx, TypeModelStaged, StagedTaskID(p.Bucket, p.Key), p,
		asynq.MaxRetry(stagedMaxRetry),
		asynq.Timeout(5*time.Minute),
	)
}
