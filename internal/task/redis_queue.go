package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的键名与阻塞等待时间。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现可靠队列：消费时把任务原子地移入
// processing 列表，处理完成后再删除，进程崩溃时可由 Recover 放回主队列。
type RedisQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 基于共享客户端创建队列。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = "reflexion:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
	}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Recover 把上次未确认的任务放回主队列，返回移动的数量。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "LEFT").Result()
		if stdErrors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复 Redis 未确认任务失败")
		}
		moved++
	}
}

// Consume 通过 BLMOVE 获取任务，处理返回可重试错误时重新入队。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if moved, err := q.Recover(ctx); err != nil {
		return err
	} else if moved > 0 {
		logger.L().Info("已恢复未确认的任务", slog.Int("count", moved), slog.String("queue", q.queue))
	}

	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	wg.Wait()
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil || stdErrors.Is(err, redis.ErrClosed) {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}

		handlerErr := handler(ctx, taskID)
		ackCtx := context.WithoutCancel(ctx)
		if handlerErr != nil && xerrors.RetryableError(handlerErr) {
			if err := q.client.LPush(ackCtx, q.queue, taskID).Err(); err != nil {
				logger.L().Error("Redis 任务重新入队失败", slog.String("task_id", taskID), slog.Any("error", err))
			}
		}
		if err := q.client.LRem(ackCtx, q.processing, 1, taskID).Err(); err != nil {
			logger.L().Error("Redis 确认任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
}

// Close 由持有共享客户端的一方负责关闭连接，这里不做处理。
func (q *RedisQueue) Close() error {
	return nil
}
