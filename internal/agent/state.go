package agent

import (
	"time"

	"Neural-Reflexion/internal/reward"
	"Neural-Reflexion/internal/search"
	"Neural-Reflexion/internal/tools"
)

// Phase 是循环控制器的状态。
type Phase string

const (
	PhaseDrafting Phase = "DRAFTING"
	PhaseTooling  Phase = "TOOLING"
	PhaseRevising Phase = "REVISING"
	PhaseStopped  Phase = "STOPPED"
)

// StopReason 说明运行为何结束。
type StopReason string

const (
	StopConverged     StopReason = "converged"
	StopPlateau       StopReason = "plateau"
	StopMaxIterations StopReason = "max_iterations"
	StopCanceled      StopReason = "canceled"
	StopFailed        StopReason = "failed"
)

// Reflection 是起草或修订步骤的解码结果。
type Reflection struct {
	Answer     string   `json:"answer"`
	Critique   string   `json:"critique"`
	Queries    []string `json:"search_queries"`
	References []string `json:"references,omitempty"`
}

// IterationRecord 是一次修订的完整记录，追加到轨迹后不再修改。
type IterationRecord struct {
	Index    int    `json:"index"`
	Answer   string `json:"answer"`
	Critique string `json:"critique"`
	// Searched 是本轮修订前实际执行的检索词。
	Searched []string `json:"searched_queries"`
	// Queries 是本轮修订请求的后续检索词，为空表示收敛。
	Queries    []string             `json:"queries"`
	Results    []search.Result      `json:"results"`
	Failures   []tools.QueryFailure `json:"failures,omitempty"`
	References []reward.Reference   `json:"references,omitempty"`
	Score      float64              `json:"score"`
	Breakdown  reward.Breakdown     `json:"breakdown"`
	FinishedAt time.Time            `json:"finished_at"`
}

// RunState 是一次运行的全部状态，由控制器独占，运行结束后返回给调用方。
type RunState struct {
	ID            string             `json:"id,omitempty"`
	Prompt        string             `json:"prompt"`
	Phase         Phase              `json:"phase"`
	Answer        string             `json:"answer"`
	Critique      string             `json:"critique"`
	Pending       []string           `json:"pending_queries,omitempty"`
	Sources       []search.Result    `json:"sources"`
	References    []reward.Reference `json:"references,omitempty"`
	Iterations    int                `json:"iterations"`
	MaxIterations int                `json:"max_iterations"`
	Trace         []IterationRecord  `json:"trace"`
	StopReason    StopReason         `json:"stop_reason,omitempty"`
	Error         string             `json:"error,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// Scores 返回每轮修订的得分，顺序与轨迹一致。
func (s *RunState) Scores() []float64 {
	if s == nil {
		return nil
	}
	scores := make([]float64, 0, len(s.Trace))
	for _, rec := range s.Trace {
		scores = append(scores, rec.Score)
	}
	return scores
}

// FinalScore 返回最后一轮的得分，没有修订时为 0。
func (s *RunState) FinalScore() float64 {
	if s == nil || len(s.Trace) == 0 {
		return 0
	}
	return s.Trace[len(s.Trace)-1].Score
}

// SourceURLs 返回去重后的来源 url，顺序与收集顺序一致。
func (s *RunState) SourceURLs() []string {
	if s == nil {
		return nil
	}
	urls := make([]string, 0, len(s.Sources))
	for _, src := range s.Sources {
		urls = append(urls, src.URL)
	}
	return urls
}

// Done 判断运行是否已进入终止状态。
func (s *RunState) Done() bool {
	return s != nil && s.Phase == PhaseStopped
}

func (s *RunState) seen() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Sources))
	for _, src := range s.Sources {
		set[src.URL] = struct{}{}
	}
	return set
}

func (s *RunState) rewardSources() []reward.Source {
	out := make([]reward.Source, 0, len(s.Sources))
	for _, src := range s.Sources {
		out = append(out, reward.Source{Query: src.Query, URL: src.URL})
	}
	return out
}

// Event 在每次状态迁移后发送给观察者。
type Event struct {
	RunID      string     `json:"run_id,omitempty"`
	Phase      Phase      `json:"phase"`
	Iteration  int        `json:"iteration"`
	Score      float64    `json:"score,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	At         time.Time  `json:"at"`
}
