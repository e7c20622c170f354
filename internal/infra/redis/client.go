package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/maestro/internal/core/domain"
)

// DefaultChannel is the pub/sub channel progress summaries are published on.
const DefaultChannel = "maestro:transitions"

// ErrLockHeld is returned when another process holds a workflow lock.
var ErrLockHeld = errors.New("workflow lock held by another process")

// Client wraps Redis operations for progress snapshots and workflow locks.
type Client struct {
	rdb     *redis.Client
	ttl     time.Duration
	channel string
}

// Config holds Redis connection configuration.
type Config struct {
	URL         string        `yaml:"url"`
	Password    string        `yaml:"password"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
	Channel     string        `yaml:"channel"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg), nil
}

func newClient(rdb *redis.Client, cfg Config) *Client {
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = 24 * time.Hour
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return &Client{rdb: rdb, ttl: cfg.ProgressTTL, channel: cfg.Channel}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func progressKey(workflowID string) string {
	return fmt.Sprintf("workflow:progress:%s", workflowID)
}

func lockKey(workflowID string) string {
	return fmt.Sprintf("workflow:lock:%s", workflowID)
}

// Publish stores the summary under the workflow's progress key and
// broadcasts it on the transitions channel.
func (c *Client) Publish(ctx context.Context, summary domain.ProgressSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, progressKey(summary.WorkflowID), data, c.ttl)
		pipe.Publish(ctx, c.channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// GetProgress returns the last published summary for a workflow.
func (c *Client) GetProgress(ctx context.Context, workflowID string) (domain.ProgressSummary, bool, error) {
	data, err := c.rdb.Get(ctx, progressKey(workflowID)).Bytes()
	if err == redis.Nil {
		return domain.ProgressSummary{}, false, nil
	}
	if err != nil {
		return domain.ProgressSummary{}, false, fmt.Errorf("get failed: %w", err)
	}

	var summary domain.ProgressSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return domain.ProgressSummary{}, false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return summary, true, nil
}

// Subscribe streams published summaries until ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan domain.ProgressSummary, error) {
	sub := c.rdb.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	out := make(chan domain.ProgressSummary)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var summary domain.ProgressSummary
				if err := json.Unmarshal([]byte(msg.Payload), &summary); err != nil {
					continue
				}
				select {
				case out <- summary:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AcquireLock attempts to take the cross-process lock for a workflow.
func (c *Client) AcquireLock(ctx context.Context, workflowID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(workflowID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a workflow lock.
func (c *Client) ReleaseLock(ctx context.Context, workflowID string) error {
	return c.rdb.Del(ctx, lockKey(workflowID)).Err()
}

// RefreshLock extends the TTL of a lock.
func (c *Client) RefreshLock(ctx context.Context, workflowID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, lockKey(workflowID), ttl).Err()
}
