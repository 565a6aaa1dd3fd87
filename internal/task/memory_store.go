package task

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
)

// MemoryStore 以内存方式保存运行任务，适用于单进程部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将 pending 任务更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch {
	case task.Status.Terminal():
		return cloneTask(task), ErrTaskCompleted
	case task.Status == StatusRunning:
		return cloneTask(task), ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录完整的运行结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, run *agent.RunState) error {
	return m.update(id, []Status{StatusRunning}, func(task *Task) {
		task.Status = StatusSucceeded
		task.Run = cloneRun(run)
		task.LastError = ""
		task.ErrorCode = ""
	})
}

// MarkFailed 记录失败原因与部分轨迹。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState, terminal bool) error {
	return m.update(id, []Status{StatusPending, StatusRunning}, func(task *Task) {
		task.Status = StatusPending
		if terminal {
			task.Status = StatusFailed
		}
		task.LastError = lastError
		task.ErrorCode = string(code)
		if run != nil {
			task.Run = cloneRun(run)
		}
	})
}

// MarkCanceled 记录取消结果，run 为 nil 时保留已有轨迹。
func (m *MemoryStore) MarkCanceled(_ context.Context, id string, run *agent.RunState) error {
	return m.update(id, []Status{StatusPending, StatusRunning}, func(task *Task) {
		task.Status = StatusCanceled
		task.ErrorCode = string(xerrors.CodeCanceled)
		task.LastError = xerrors.AttributesOf(xerrors.CodeCanceled).Message
		if run != nil {
			task.Run = cloneRun(run)
		}
	})
}

// Release 将运行中的任务放回 pending 并退还本次领取占用的次数。
func (m *MemoryStore) Release(_ context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState) error {
	return m.update(id, []Status{StatusRunning}, func(task *Task) {
		task.Status = StatusPending
		if task.Attempts > 0 {
			task.Attempts--
		}
		task.LastError = lastError
		task.ErrorCode = string(code)
		if run != nil {
			task.Run = cloneRun(run)
		}
	})
}

func (m *MemoryStore) update(id string, allowed []Status, mutate func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	permitted := false
	for _, status := range allowed {
		if task.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		if task.Status.Terminal() {
			return ErrTaskCompleted
		}
		return ErrTaskConflict
	}
	mutate(task)
	task.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, task)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	out := make([]*Task, 0, len(results))
	for _, task := range results {
		out = append(out, cloneTask(task))
	}
	return out, nil
}

// Stats 统计符合过滤条件的任务数量、平均得分与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	var (
		stats  TaskStats
		scored int
		sum    float64
	)
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusCanceled:
			stats.Canceled++
		}
		if task.Run != nil && len(task.Run.Trace) > 0 {
			scored++
			sum += task.FinalScore()
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if scored > 0 {
		stats.AverageScore = math.Round(sum/float64(scored)*100) / 100
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, task.Status) {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasAnswer != nil && taskHasAnswer(task) != *opts.HasAnswer {
		return false
	}
	if len(opts.StopReasons) > 0 {
		if task.Run == nil || !containsReason(opts.StopReasons, task.Run.StopReason) {
			return false
		}
	}
	if opts.MinScore > 0 && task.FinalScore() < opts.MinScore {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		answer := ""
		if task.Run != nil {
			answer = task.Run.Answer
		}
		haystack := strings.ToLower(strings.Join([]string{task.ID, task.Prompt, answer, task.LastError}, "\n"))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func containsReason(list []agent.StopReason, reason agent.StopReason) bool {
	for _, r := range list {
		if r == reason {
			return true
		}
	}
	return false
}

func taskHasAnswer(task *Task) bool {
	return task != nil && task.Run != nil && strings.TrimSpace(task.Run.Answer) != ""
}

var _ Store = (*MemoryStore)(nil)
