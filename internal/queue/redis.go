package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现执行队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = "maha:executions"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = defaultBlockWait
	}
	return &RedisQueue{client: client, key: key, wait: wait}
}

// Publish 将执行投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, executionID string) error {
	if err := q.client.LPush(ctx, q.key, executionID).Err(); err != nil {
		return fmt.Errorf("Redis 发布执行失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取执行。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取执行失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				executionID := values[1]
				if handlerErr := handler(ctx, executionID); handlerErr != nil {
					// 处理失败时放回队尾，稍后重试。
					_ = q.client.LPush(ctx, q.key, executionID).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Len 返回队列中等待的执行数量。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
