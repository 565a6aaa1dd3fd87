package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/pkg/logger"
)

// Canceller 取消正在执行的任务，通常由 Processor 实现。
type Canceller interface {
	Cancel(taskID string) bool
}

// Service 负责运行任务的提交、查询与取消。
type Service struct {
	store      Store
	producer   Producer
	canceller  Canceller
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithCanceller 配置正在执行任务的取消入口。
func WithCanceller(c Canceller) ServiceOption {
	return func(s *Service) {
		s.canceller = c
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的运行任务并推送到队列。相同 ID 重复提交时返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, xerrors.New(CodeTaskValidation, "问题不能为空")
	}
	if req.MaxIterations < 0 {
		return nil, xerrors.New(CodeTaskValidation, "max_iterations 不能为负数")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:            taskID,
		Prompt:        prompt,
		MaxIterations: req.MaxIterations,
		Status:        StatusPending,
		MaxRetries:    s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	logger.Audit().Info("运行已入队",
		slog.String("task_id", taskID),
		slog.String("prompt", task.Prompt),
		slog.Int("max_iterations", task.MaxIterations),
	)
	return task, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行历史。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Cancel 取消任务：pending 任务直接标记为 canceled，running 任务通知执行方，
// 最终状态由执行方在循环停止后写入。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case StatusPending:
		if err := s.store.MarkCanceled(ctx, id, nil); err != nil {
			if !stdErrors.Is(err, ErrTaskConflict) {
				return nil, err
			}
			// 在读取与标记之间被领取，转为通知执行方。
			if s.canceller == nil || !s.canceller.Cancel(id) {
				return nil, err
			}
		}
	case StatusRunning:
		if s.canceller == nil || !s.canceller.Cancel(id) {
			return nil, xerrors.New(CodeTaskConflict, "任务不在本实例执行，无法取消", xerrors.WithMetadata("task_id", id))
		}
	default:
		return task, ErrTaskCompleted
	}
	logger.Audit().Info("请求取消运行", slog.String("task_id", id), slog.String("status", string(task.Status)))
	return s.Get(ctx, id)
}

// Source 是运行历史中出现过的一条来源。
type Source struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Query  string `json:"query"`
	TaskID string `json:"task_id"`
}

// Sources 汇总最近成功运行的来源，按 url 去重，保留最近一次出现。
func (s *Service) Sources(ctx context.Context, limit int) ([]Source, error) {
	tasks, err := s.List(ctx, WithStatuses(StatusSucceeded), WithLimit(limit))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	sources := []Source{}
	for _, t := range tasks {
		if t.Run == nil {
			continue
		}
		for _, src := range t.Run.Sources {
			if _, ok := seen[src.URL]; ok {
				continue
			}
			seen[src.URL] = struct{}{}
			sources = append(sources, Source{URL: src.URL, Title: src.Title, Query: src.Query, TaskID: t.ID})
		}
	}
	return sources, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态直到结束或 ctx 超时。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
