// Package queue 负责异步执行：生产者投递执行 ID，消费者在工作协程中把执行推进到终态。
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
)

// Handler 处理来自消息队列的执行 ID。返回错误表示需要重新投递。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向队列投递执行。
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从队列中消费执行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Config 描述队列驱动及其连接参数。
type Config struct {
	Driver   string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open 按驱动名称创建队列。driver 可取 memory、redis、rabbitmq。
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		q, err := NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 Redis 队列失败")
		}
		return q, nil
	case "rabbitmq":
		q, err := NewRabbitMQQueue(cfg.RabbitMQ)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ 队列失败")
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported queue driver %q", cfg.Driver))
	}
}

const defaultBlockWait = 5 * time.Second
