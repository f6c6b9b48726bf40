package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"geotask/pkg/models"
	"geotask/pkg/storage"
)

const (
	StreamKeyPending = "geotask:jobs:pending"
)

// Queue dispatches job service work over a Redis Stream.
type Queue struct {
	client *redis.Client
	block  time.Duration
}

// NewQueue wraps a connected client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, block: 2 * time.Second}
}

// Push adds a job to the pending stream.
func (q *Queue) Push(ctx context.Context, job *models.ServiceJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// XADD geotask:jobs:pending * payload {json}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyPending,
		Values: map[string]interface{}{
			"payload":   payload,
			"job":       job.ID.String(),
			"task_type": job.TaskType,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (q *Queue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamKeyPending, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop blocks up to two seconds for the next job.
func (q *Queue) Pop(ctx context.Context, group string, consumer string) (string, *models.ServiceJob, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyPending, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format")
	}

	var job models.ServiceJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return msg.ID, &job, nil
}

// Ack acknowledges a job as processed.
func (q *Queue) Ack(ctx context.Context, group string, msgID string) error {
	return q.client.XAck(ctx, StreamKeyPending, group, msgID).Err()
}

var _ storage.Queue = (*Queue)(nil)
