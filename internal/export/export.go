package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/reward"
	"Neural-Reflexion/internal/search"
)

// Format 是导出格式。
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
)

// ParseFormat 解析格式名，支持常见别名。
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "json", "trace":
		return FormatJSON, nil
	case "txt", "text":
		return FormatText, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的导出格式: %s", name))
	}
}

// ContentType 返回格式对应的 MIME 类型。
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "text/markdown; charset=utf-8"
	}
}

// Extension 返回格式对应的文件扩展名。
func (f Format) Extension() string {
	switch f {
	case FormatHTML:
		return ".html"
	case FormatJSON:
		return ".json"
	case FormatText:
		return ".txt"
	default:
		return ".md"
	}
}

// Render 按格式导出运行结果，只依赖 RunState，不会发起任何外部调用。
func Render(state *agent.RunState, format Format) ([]byte, error) {
	if state == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行结果为空")
	}
	switch format {
	case FormatMarkdown:
		return Markdown(state), nil
	case FormatHTML:
		return HTML(state)
	case FormatJSON:
		return JSON(state)
	case FormatText:
		return Text(state), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的导出格式: %s", format))
	}
}

// Markdown 导出最终答案。答案自身没有 References 区块时补充一个。
func Markdown(state *agent.RunState) []byte {
	var b strings.Builder
	b.WriteString("# Final Answer\n\n")
	fmt.Fprintf(&b, "**Prompt:** %s\n\n", state.Prompt)
	answer := strings.TrimSpace(state.Answer)
	if answer == "" {
		answer = "_no answer_"
	}
	b.WriteString(answer)
	b.WriteString("\n")

	if len(state.References) > 0 && !reward.HasReferences(state.Answer) {
		b.WriteString("\n## References\n\n")
		for _, ref := range state.References {
			fmt.Fprintf(&b, "- [%d] %s\n", ref.Number, ref.Text)
		}
	}

	if scores := state.Scores(); len(scores) > 0 {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "_Iterations: %d · Stop reason: %s · Scores: %s_\n",
			state.Iterations, state.StopReason, formatScores(scores))
	}
	return []byte(b.String())
}

// HTML 把 Markdown 导出结果渲染为 HTML 片段。
func HTML(state *agent.RunState) ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(Markdown(state), &buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "渲染 HTML 失败")
	}
	return buf.Bytes(), nil
}

// Text 只导出答案正文与引用，适合终端输出。
func Text(state *agent.RunState) []byte {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(state.Answer))
	b.WriteString("\n")
	if len(state.References) > 0 && !reward.HasReferences(state.Answer) {
		b.WriteString("\nReferences:\n")
		for _, ref := range state.References {
			fmt.Fprintf(&b, "[%d] %s\n", ref.Number, ref.Text)
		}
	}
	return []byte(b.String())
}

// TraceDocument 是完整轨迹的结构化导出格式。
type TraceDocument struct {
	ID         string                  `json:"id,omitempty"`
	Prompt     string                  `json:"prompt"`
	Answer     string                  `json:"answer"`
	References []reward.Reference      `json:"references"`
	StopReason agent.StopReason        `json:"stop_reason,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Iterations []agent.IterationRecord `json:"iterations"`
	Scores     []float64               `json:"scores"`
	Sources    []string                `json:"sources"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
}

// Trace 构造完整轨迹文档，来源 url 按字典序排列。
func Trace(state *agent.RunState) TraceDocument {
	sources := state.SourceURLs()
	sort.Strings(sources)
	refs := state.References
	if refs == nil {
		refs = []reward.Reference{}
	}
	iterations := state.Trace
	if iterations == nil {
		iterations = []agent.IterationRecord{}
	}
	return TraceDocument{
		ID:         state.ID,
		Prompt:     state.Prompt,
		Answer:     state.Answer,
		References: refs,
		StopReason: state.StopReason,
		Error:      state.Error,
		Iterations: iterations,
		Scores:     state.Scores(),
		Sources:    sources,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}
}

// JSON 导出完整轨迹。
func JSON(state *agent.RunState) ([]byte, error) {
	encoded, err := json.MarshalIndent(Trace(state), "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化轨迹失败")
	}
	return encoded, nil
}

// Side 是对比视图中单个运行的摘要。
type Side struct {
	ID         string           `json:"id,omitempty"`
	Prompt     string           `json:"prompt"`
	Answer     string           `json:"answer"`
	Iterations int              `json:"iterations"`
	FinalScore float64          `json:"final_score"`
	Scores     []float64        `json:"scores"`
	StopReason agent.StopReason `json:"stop_reason,omitempty"`
	Sources    int              `json:"sources"`
}

// Comparison 并排展示两次运行。
type Comparison struct {
	Left          Side     `json:"left"`
	Right         Side     `json:"right"`
	ScoreDelta    float64  `json:"score_delta"`
	SharedSources []string `json:"shared_sources"`
}

// Compare 对比两次运行，ScoreDelta 为右侧减左侧。
func Compare(left, right *agent.RunState) Comparison {
	l, r := side(left), side(right)
	return Comparison{
		Left:          l,
		Right:         r,
		ScoreDelta:    roundScore(r.FinalScore - l.FinalScore),
		SharedSources: sharedSources(left.Sources, right.Sources),
	}
}

func side(state *agent.RunState) Side {
	return Side{
		ID:         state.ID,
		Prompt:     state.Prompt,
		Answer:     state.Answer,
		Iterations: state.Iterations,
		FinalScore: state.FinalScore(),
		Scores:     state.Scores(),
		StopReason: state.StopReason,
		Sources:    len(state.Sources),
	}
}

func sharedSources(a, b []search.Result) []string {
	inA := make(map[string]struct{}, len(a))
	for _, r := range a {
		inA[r.URL] = struct{}{}
	}
	shared := []string{}
	for _, r := range b {
		if _, ok := inA[r.URL]; ok {
			shared = append(shared, r.URL)
		}
	}
	sort.Strings(shared)
	return shared
}

func formatScores(scores []float64) string {
	parts := make([]string, 0, len(scores))
	for _, s := range scores {
		parts = append(parts, fmt.Sprintf("%.2f", s))
	}
	return strings.Join(parts, " → ")
}

func roundScore(v float64) float64 {
	return math.Round(v*100) / 100
}
