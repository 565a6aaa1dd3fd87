package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
	"Neural-Reflexion/internal/reward"
	"Neural-Reflexion/internal/search"
	"Neural-Reflexion/internal/tools"
	"Neural-Reflexion/pkg/logger"
)

const (
	defaultMaxIterations   = 4
	defaultEpsilon         = 0.5
	defaultPlateauPatience = 2
)

// RunRequest 描述一次反思运行。
type RunRequest struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
	// MaxIterations 为 0 时使用 Agent 的默认值。
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Searcher 是工具执行步骤的抽象，默认实现为 tools.Executor。
type Searcher interface {
	Execute(ctx context.Context, queries []string, seen map[string]struct{}) (tools.Outcome, error)
}

// Agent 是反思循环的控制器：起草 → 检索 → 修订 → (检索 → 修订)*。
type Agent struct {
	actor         *Actor
	searcher      Searcher
	maxIterations int
	epsilon       float64
	patience      int
	targetWords   int
	llmTimeout    time.Duration
	observer      func(Event)
	logger        *slog.Logger
	now           func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxIterations 设置修订轮数上限。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithEpsilon 设置平台期判定的最小提升幅度。
func WithEpsilon(eps float64) Option {
	return func(a *Agent) {
		if eps >= 0 {
			a.epsilon = eps
		}
	}
}

// WithPlateauPatience 设置连续多少轮提升不足即判定为平台期。
func WithPlateauPatience(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.patience = n
		}
	}
}

// WithTargetWords 设置答案的目标词数。
func WithTargetWords(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.targetWords = n
		}
	}
}

// WithLLMTimeout 设置单次生成调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.llmTimeout = timeout
		}
	}
}

// WithObserver 注册状态迁移的观察者。回调在运行所在的 goroutine 中同步执行。
func WithObserver(fn func(Event)) Option {
	return func(a *Agent) {
		a.observer = fn
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。searcher 通常是 tools.NewExecutor 的返回值。
func New(client llm.Client, searcher Searcher, opts ...Option) *Agent {
	ag := &Agent{
		searcher:      searcher,
		maxIterations: defaultMaxIterations,
		epsilon:       defaultEpsilon,
		patience:      defaultPlateauPatience,
		targetWords:   reward.DefaultTargetWords,
		logger:        logger.Named("agent"),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	ag.actor = NewActor(client, ag.llmTimeout, ag.targetWords)
	return ag
}

// Run 执行一次完整的反思循环。
//
// 返回的 RunState 总是非 nil：出错或被取消时其中保留已完成的轨迹，
// StopReason 分别为 failed 与 canceled。
func (a *Agent) Run(ctx context.Context, req RunRequest) (*RunState, error) {
	state := &RunState{
		ID:            req.ID,
		Prompt:        strings.TrimSpace(req.Prompt),
		MaxIterations: a.maxIterations,
		Sources:       []search.Result{},
		Trace:         []IterationRecord{},
		StartedAt:     a.now(),
	}
	if req.MaxIterations > 0 {
		state.MaxIterations = req.MaxIterations
	}
	if state.Prompt == "" {
		return a.finish(state, StopFailed, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空"))
	}
	if a.searcher == nil {
		return a.finish(state, StopFailed, xerrors.New(xerrors.CodeInitializationFailure, "未配置检索执行器"))
	}

	a.enter(state, PhaseDrafting)
	if err := ctx.Err(); err != nil {
		return a.finish(state, StopCanceled, canceled(err))
	}
	draft, err := a.actor.Draft(ctx, state.Prompt)
	if err != nil {
		return a.fail(ctx, state, err)
	}
	state.Answer = draft.Answer
	state.Critique = draft.Critique
	state.Pending = tools.CleanQueries(draft.Queries)

	seen := state.seen()
	var (
		previous    float64
		hasPrevious bool
		stalls      int
	)
	for {
		var outcome tools.Outcome
		if len(state.Pending) > 0 {
			if err := ctx.Err(); err != nil {
				return a.finish(state, StopCanceled, canceled(err))
			}
			a.enter(state, PhaseTooling)
			outcome, err = a.searcher.Execute(ctx, state.Pending, seen)
			state.Sources = append(state.Sources, outcome.Results...)
			if err != nil {
				return a.finish(state, StopCanceled, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return a.finish(state, StopCanceled, canceled(err))
		}
		a.enter(state, PhaseRevising)
		revision, err := a.actor.Revise(ctx, RevisionInput{
			Prompt:   state.Prompt,
			Answer:   state.Answer,
			Critique: state.Critique,
			Results:  state.Sources,
		})
		if err != nil {
			return a.fail(ctx, state, err)
		}

		breakdown := reward.Evaluate(revision.Answer, reward.Signals{
			Queries:     outcome.Queries,
			Sources:     state.rewardSources(),
			Previous:    previous,
			HasPrevious: hasPrevious,
			TargetWords: a.targetWords,
		})
		next := tools.CleanQueries(revision.Queries)
		references := reward.ParseReferences(revision.Answer)

		// 跳过检索的轮次也记录空列表，序列化结果保持为 []。
		searched, results := outcome.Queries, outcome.Results
		if searched == nil {
			searched = []string{}
		}
		if results == nil {
			results = []search.Result{}
		}

		state.Iterations++
		state.Trace = append(state.Trace, IterationRecord{
			Index:      state.Iterations,
			Answer:     revision.Answer,
			Critique:   revision.Critique,
			Searched:   searched,
			Queries:    next,
			Results:    results,
			Failures:   outcome.Failures,
			References: references,
			Score:      breakdown.Total,
			Breakdown:  breakdown,
			FinishedAt: a.now(),
		})
		state.Answer = revision.Answer
		state.Critique = revision.Critique
		state.Pending = next
		state.References = references

		a.logger.Info("修订完成",
			"run_id", state.ID,
			"iteration", state.Iterations,
			"score", breakdown.Total,
			"sources", len(state.Sources),
			"next_queries", len(next),
		)
		a.notify(Event{RunID: state.ID, Phase: PhaseRevising, Iteration: state.Iterations, Score: breakdown.Total, At: a.now()})

		// 平台期按不含改进奖励的基础分判断。
		base := breakdown.Base()
		if hasPrevious && base-previous <= a.epsilon {
			stalls++
		} else {
			stalls = 0
		}
		previous, hasPrevious = base, true

		switch {
		case len(next) == 0:
			return a.finish(state, StopConverged, nil)
		case stalls >= a.patience:
			return a.finish(state, StopPlateau, nil)
		case state.Iterations >= state.MaxIterations:
			return a.finish(state, StopMaxIterations, nil)
		}
	}
}

func (a *Agent) enter(state *RunState, phase Phase) {
	state.Phase = phase
	a.logger.Debug("状态迁移", "run_id", state.ID, "phase", phase, "iteration", state.Iterations)
	a.notify(Event{RunID: state.ID, Phase: phase, Iteration: state.Iterations, At: a.now()})
}

// fail 区分外部取消与生成失败：调用期间父 context 被取消时按取消处理。
func (a *Agent) fail(ctx context.Context, state *RunState, err error) (*RunState, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return a.finish(state, StopCanceled, canceled(ctxErr))
	}
	return a.finish(state, StopFailed, err)
}

func (a *Agent) finish(state *RunState, reason StopReason, err error) (*RunState, error) {
	state.Phase = PhaseStopped
	state.StopReason = reason
	state.FinishedAt = a.now()
	state.Pending = nil
	if err != nil {
		state.Error = err.Error()
		a.logger.Warn("运行提前结束",
			"run_id", state.ID,
			"reason", reason,
			"iterations", state.Iterations,
			"error", err,
		)
	} else {
		a.logger.Info("运行结束",
			"run_id", state.ID,
			"reason", reason,
			"iterations", state.Iterations,
			"score", state.FinalScore(),
		)
	}
	a.notify(Event{
		RunID:      state.ID,
		Phase:      PhaseStopped,
		Iteration:  state.Iterations,
		Score:      state.FinalScore(),
		StopReason: reason,
		At:         state.FinishedAt,
	})
	return state, err
}

func (a *Agent) notify(evt Event) {
	if a.observer != nil {
		a.observer(evt)
	}
}

func canceled(err error) error {
	if xerrors.HasCode(err, xerrors.CodeCanceled) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "运行被取消")
}
