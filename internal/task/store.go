package task

import (
	"context"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
)

// Store 抽象了运行任务的持久化接口。
//
// 只有 pending 状态的任务可以被 Claim；MarkSucceeded 要求任务处于 running，
// 已结束的任务不会被任何 Mark 操作改写。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, run *agent.RunState) error
	// MarkFailed 在 terminal 为 false 时把任务放回 pending 以便重新排队。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState, terminal bool) error
	MarkCanceled(ctx context.Context, id string, run *agent.RunState) error
	// Release 把被中断的 running 任务放回 pending，本次领取不计入重试次数。
	Release(ctx context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
