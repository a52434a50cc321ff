package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/pkg/logger"
)

const (
	attemptHeader         = "x-maha-attempt"
	defaultRabbitQueue    = "maha.executions"
	defaultRabbitAttempts = 5
	rabbitMessageType     = "execution.resume"
	rabbitPublishAppID    = "maha-orchestrator"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。MaxAttempts 限制同一执行的重投次数。
type RabbitMQConfig struct {
	URL         string
	Queue       string
	Prefetch    int
	MaxAttempts int
}

// RabbitMQQueue 使用持久化队列投递执行。发布走独立 channel 并等待 broker 确认，
// 失败的消息带上尝试次数重新发布，超过上限后丢弃。
type RabbitMQQueue struct {
	conn        *amqp.Connection
	publish     *amqp.Channel
	queue       string
	prefetch    int
	maxAttempts int
	log         *slog.Logger

	mu sync.Mutex
}

// NewRabbitMQQueue 建立连接、声明队列并开启发布确认。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{
		queue:       cfg.Queue,
		prefetch:    cfg.Prefetch,
		maxAttempts: cfg.MaxAttempts,
		log:         logger.Named("queue.rabbitmq"),
	}
	if q.queue == "" {
		q.queue = defaultRabbitQueue
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultRabbitAttempts
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q.conn = conn
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("创建发布 channel 失败: %w", err)
	}
	q.publish = ch
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("声明队列 %s 失败: %w", q.queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("开启发布确认失败: %w", err)
	}
	return q, nil
}

// Publish 投递一次新的执行。
func (q *RabbitMQQueue) Publish(ctx context.Context, executionID string) error {
	return q.publishAttempt(ctx, executionID, 1)
}

func (q *RabbitMQQueue) publishAttempt(ctx context.Context, executionID string, attempt int) error {
	if q == nil || q.publish == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    executionID,
		Type:         rabbitMessageType,
		AppId:        rabbitPublishAppID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         []byte(executionID),
	}

	q.mu.Lock()
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, true, false, msg)
	q.mu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递执行失败",
			xerrors.WithMetadata("execution_id", executionID))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 broker 确认失败",
			xerrors.WithMetadata("execution_id", executionID))
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "broker 拒绝了执行消息",
			xerrors.WithMetadata("execution_id", executionID))
	}
	return nil
}

// Consume 为消费单独打开 channel，按 prefetch 限流并手动确认。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建消费 channel 失败")
	}
	defer ch.Close()

	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 QoS 失败")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, d, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// deliver 处理一条消息。失败时以 attempt+1 重新发布再确认原消息，超过上限直接确认丢弃。
func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	executionID := string(d.Body)
	attempt := attemptOf(d.Headers)
	err := handler(ctx, executionID)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if attempt >= q.maxAttempts {
		q.log.Error("执行重投次数耗尽，丢弃消息",
			slog.String("execution_id", executionID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		_ = d.Ack(false)
		return
	}
	if perr := q.publishAttempt(context.WithoutCancel(ctx), executionID, attempt+1); perr != nil {
		q.log.Warn("重新发布失败，退回 broker",
			slog.String("execution_id", executionID), slog.Any("error", perr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.publish != nil {
		_ = q.publish.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
