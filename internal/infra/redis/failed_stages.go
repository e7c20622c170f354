package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/maestro/internal/core/domain"
)

const (
	failedQueueKey = "maestro:failed_stages"
	failedStageTTL = 7 * 24 * time.Hour
)

func failedStageKey(workflowID string) string {
	return fmt.Sprintf("maestro:failed_stage:%s", workflowID)
}

// FailedStageQueue tracks stages that exhausted their retries, oldest first.
type FailedStageQueue struct {
	rdb *redis.Client
}

// NewFailedStageQueue creates a queue sharing client's connection.
func NewFailedStageQueue(client *Client) *FailedStageQueue {
	return &FailedStageQueue{rdb: client.rdb}
}

// Add records a failed stage. A workflow has at most one entry.
func (q *FailedStageQueue) Add(ctx context.Context, fs domain.FailedStage) error {
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to marshal failed stage: %w", err)
	}

	if err := q.rdb.Set(ctx, failedStageKey(fs.WorkflowID), data, failedStageTTL).Err(); err != nil {
		return fmt.Errorf("failed to set failed stage: %w", err)
	}

	// Score by failure time so operators see the oldest first.
	if err := q.rdb.ZAdd(ctx, failedQueueKey, redis.Z{
		Score:  float64(fs.FailedAt.Unix()),
		Member: fs.WorkflowID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}
	return nil
}

// MarkResolved removes the entry of a workflow.
func (q *FailedStageQueue) MarkResolved(ctx context.Context, workflowID string) error {
	if err := q.rdb.ZRem(ctx, failedQueueKey, workflowID).Err(); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}
	if err := q.rdb.Del(ctx, failedStageKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to delete failed stage: %w", err)
	}
	return nil
}

// GetAll returns every failed stage still in the queue.
func (q *FailedStageQueue) GetAll(ctx context.Context) ([]domain.FailedStage, error) {
	ids, err := q.rdb.ZRange(ctx, failedQueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]domain.FailedStage, 0, len(ids))
	for _, id := range ids {
		data, err := q.rdb.Get(ctx, failedStageKey(id)).Bytes()
		if err == redis.Nil {
			// Data expired but ID still in queue, remove it
			q.rdb.ZRem(ctx, failedQueueKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get failed stage: %w", err)
		}

		var fs domain.FailedStage
		if err := json.Unmarshal(data, &fs); err != nil {
			continue
		}
		out = append(out, fs)
	}
	return out, nil
}

// Count returns the number of queued failed stages.
func (q *FailedStageQueue) Count(ctx context.Context) (int, error) {
	count, err := q.rdb.ZCard(ctx, failedQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
