package reward

import (
	"math"
	"strings"
	"unicode"
)

// 各项信号的满分，合计即 MaxScore。
const (
	LengthWeight      = 25.0
	CitationWeight    = 20.0
	ReferenceWeight   = 20.0
	CoverageWeight    = 30.0
	ImprovementWeight = 5.0

	MaxScore = LengthWeight + CitationWeight + ReferenceWeight + CoverageWeight + ImprovementWeight

	// DefaultTargetWords 是理想答案长度。
	DefaultTargetWords = 250
)

// Source 是一条已收集的检索结果，用于判断查询覆盖度。
type Source struct {
	Query string
	URL   string
}

// Signals 是除答案文本以外影响评分的输入。
type Signals struct {
	// Queries 是本轮请求过的检索词。
	Queries []string
	// Sources 是到目前为止收集到的检索结果。
	Sources []Source
	// Previous 是上一轮的基础分（Breakdown.Base，不含改进奖励），HasPrevious 为 false 时忽略。
	Previous    float64
	HasPrevious bool
	// TargetWords 为 0 时使用 DefaultTargetWords。
	TargetWords int
}

// Breakdown 记录每项信号的得分，便于在轨迹中展示。
type Breakdown struct {
	Length      float64 `json:"length"`
	Citations   float64 `json:"citations"`
	References  float64 `json:"references"`
	Coverage    float64 `json:"coverage"`
	Improvement float64 `json:"improvement"`
	Total       float64 `json:"total"`
}

// Evaluate 对答案打分，结果落在 [0, MaxScore]，同样输入总是得到同样结果。
func Evaluate(answer string, signals Signals) Breakdown {
	if strings.TrimSpace(answer) == "" {
		return Breakdown{}
	}
	analysis := Analyze(answer)

	target := signals.TargetWords
	if target <= 0 {
		target = DefaultTargetWords
	}

	var b Breakdown
	b.Length = math.Max(0, LengthWeight-math.Abs(float64(analysis.Words-target))*0.1)
	b.Citations = math.Min(CitationWeight, 4*float64(len(analysis.ValidCitations())))
	b.References = math.Min(ReferenceWeight, 5*float64(len(analysis.References)))
	b.Coverage = CoverageWeight * coverage(signals.Queries, signals.Sources, analysis.References)

	base := b.Length + b.Citations + b.References + b.Coverage
	if signals.HasPrevious && base > signals.Previous {
		b.Improvement = math.Min(ImprovementWeight, (base-signals.Previous)*0.5)
	}

	b.Length = round2(b.Length)
	b.Citations = round2(b.Citations)
	b.References = round2(b.References)
	b.Coverage = round2(b.Coverage)
	b.Improvement = round2(b.Improvement)
	b.Total = round2(base + b.Improvement)
	return b
}

// Base 返回不含改进奖励的基础分。
func (b Breakdown) Base() float64 {
	return round2(b.Total - b.Improvement)
}

// Score 是 Evaluate 的简写，只返回总分。
func Score(answer string, signals Signals) float64 {
	return Evaluate(answer, signals).Total
}

// coverage 计算请求过的检索词中有多少比例体现在 References 中。
func coverage(queries []string, sources []Source, refs []Reference) float64 {
	requested := distinctQueries(queries)
	if len(requested) == 0 || len(refs) == 0 {
		return 0
	}

	var refText strings.Builder
	cited := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		refText.WriteString(strings.ToLower(ref.Text))
		refText.WriteByte('\n')
		if ref.URL != "" {
			cited[ref.URL] = struct{}{}
		}
	}
	haystack := refText.String()

	covered := 0
	for _, q := range requested {
		if queryCited(q, sources, cited) || termsOverlap(q, haystack) {
			covered++
		}
	}
	return float64(covered) / float64(len(requested))
}

func queryCited(query string, sources []Source, cited map[string]struct{}) bool {
	for _, src := range sources {
		if !strings.EqualFold(strings.TrimSpace(src.Query), query) {
			continue
		}
		if _, ok := cited[src.URL]; ok {
			return true
		}
	}
	return false
}

// termsOverlap 要求检索词中至少一半的实义词（4 个字母以上）出现在 References 中。
func termsOverlap(query, haystack string) bool {
	terms := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	significant, hits := 0, 0
	for _, term := range terms {
		if len([]rune(term)) < 4 {
			continue
		}
		significant++
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return significant > 0 && hits*2 >= significant
}

func distinctQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
