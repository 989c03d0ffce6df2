package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueuePurge schedules a purge right away. Duplicate purges for the same
// target within a minute are rejected by asynq.
func (c *Client) EnqueuePurge(ctx context.Context, payload PurgePayload) (*asynq.TaskInfo, error) {
	task, err := NewPurgeTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, purgeOptions(c.queue)...)
}

func (c *Client) Close() error {
	return c.client.Close()
}

func purgeOptions(queue string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(2),
		asynq.Timeout(5 * time.Minute),
		asynq.Unique(time.Minute),
	}
}

// RegisterPurges adds one periodic purge per target to scheduler and returns
// the scheduler entry ids.
func RegisterPurges(scheduler *asynq.Scheduler, cronspec, queue string, retention time.Duration, targets ...string) ([]string, error) {
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		task, err := NewPurgeTask(NewPurgePayload(target, retention))
		if err != nil {
			return ids, err
		}
		id, err := scheduler.Register(cronspec, task, purgeOptions(queue)...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
