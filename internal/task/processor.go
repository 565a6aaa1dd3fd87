package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/observability/alerting"
	"Neural-Reflexion/internal/observability/metrics"
	"Neural-Reflexion/pkg/logger"
)

// Runner 定义了处理器所需的反思循环能力，默认实现为 agent.Agent。
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunState, error)
}

// Processor 负责从队列消费任务并交给反思循环执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetrics 配置指标收集。
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
		running:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Cancel 取消本进程中正在执行的任务，任务不在执行中时返回 false。
func (p *Processor) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight 返回正在执行的任务数量。
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Processor) track(taskID string, cancel context.CancelFunc) func() {
	p.mu.Lock()
	p.running[taskID] = cancel
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.running, taskID)
		p.mu.Unlock()
		cancel()
	}
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, xerrors.CodeOf(err), err, "claim")
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	release := p.track(task.ID, cancel)
	p.metrics.RunStarted()
	state, runErr := p.runner.Run(runCtx, agent.RunRequest{
		ID:            task.ID,
		Prompt:        task.Prompt,
		MaxIterations: task.MaxIterations,
	})
	release()
	p.metrics.ObserveRun(state)

	// 运行结束后的状态回写不受关停影响。
	storeCtx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		return p.handleSuccess(storeCtx, task, state)
	case xerrors.HasCode(runErr, xerrors.CodeCanceled) && ctx.Err() != nil:
		return p.handleShutdown(storeCtx, task, state, runErr)
	case xerrors.HasCode(runErr, xerrors.CodeCanceled):
		return p.handleCanceled(storeCtx, task, state)
	default:
		return p.handleFailure(storeCtx, task, state, runErr)
	}
}

func (p *Processor) handleSuccess(ctx context.Context, task *Task, state *agent.RunState) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, state); err != nil {
		if stdErrors.Is(err, ErrTaskCompleted) {
			p.logger.Info("任务已在执行期间结束，丢弃结果", slog.String("task_id", task.ID))
			return nil
		}
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), state, false); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		return p.requeue(ctx, task)
	}
	logger.Audit().Info("运行成功",
		slog.String("task_id", task.ID),
		slog.String("prompt", task.Prompt),
		slog.String("stop_reason", string(state.StopReason)),
		slog.Int("iterations", state.Iterations),
		slog.Float64("score", state.FinalScore()),
	)
	return nil
}

// handleShutdown 把因服务关闭而中断的任务放回 pending，并让队列重新投递。
// 中断的这次执行不占用重试次数。
func (p *Processor) handleShutdown(ctx context.Context, task *Task, state *agent.RunState, runErr error) error {
	if err := p.store.Release(ctx, task.ID, xerrors.CodeCanceled, "服务关闭时中断", state); err != nil {
		p.logger.Error("回写中断状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	p.logger.Warn("服务关闭，任务放回队列", slog.String("task_id", task.ID))
	return xerrors.Wrap(xerrors.CodeExecutorFailure, runErr, "运行因服务关闭中断")
}

func (p *Processor) handleCanceled(ctx context.Context, task *Task, state *agent.RunState) error {
	if err := p.store.MarkCanceled(ctx, task.ID, state); err != nil && !stdErrors.Is(err, ErrTaskCompleted) {
		p.logger.Error("标记任务取消状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	iterations := 0
	if state != nil {
		iterations = state.Iterations
	}
	logger.Audit().Info("运行已取消",
		slog.String("task_id", task.ID),
		slog.String("prompt", task.Prompt),
		slog.Int("iterations", iterations),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, state *agent.RunState, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), state, terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("运行失败",
		slog.String("task_id", task.ID),
		slog.String("prompt", task.Prompt),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(runErr) {
		p.emitAlert(ctx, task, code, runErr, stage)
	}
	if terminal {
		return nil
	}
	return p.requeue(ctx, task)
}

func (p *Processor) requeue(ctx context.Context, task *Task) error {
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
