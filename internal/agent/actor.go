package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
	"Neural-Reflexion/internal/reward"
	"Neural-Reflexion/internal/search"
)

const actorTemplate = `You are an expert AI researcher.
Current time: %s

1. %s
2. Reflect and critique your answer. Be severe to maximize improvement.
3. After the reflection, list 1-3 search queries separately for researching improvements. Do not include them inside the critique.

Respond with a single JSON object and nothing else:
- "answer": your answer as plain text.
- "critique": what is missing and what is superfluous in the answer.
- "search_queries": follow-up web search queries; use an empty list when no further research is needed.%s`

const reviseInstructions = `Revise your previous answer using the new information.
   - Max %d words. Do not exceed.
   - Include inline numeric citations like [1], [2] that map to a "References" list at the end of the answer.
   - Provide 3-6 references that support specific claims; prefer sources no older than 3 years.
   - Avoid generic claims without a citation.
   - Keep a professional, actionable tone.`

const referencesField = `
- "references": the numbered references cited in the answer, in citation order.`

// RevisionInput 是修订步骤的输入。
type RevisionInput struct {
	Prompt   string
	Answer   string
	Critique string
	Results  []search.Result
}

// Actor 负责起草与修订两个生成步骤，并在边界处完成结构化解码。
type Actor struct {
	client      llm.Client
	timeout     time.Duration
	targetWords int
	now         func() time.Time
}

// NewActor 创建生成步骤的执行者。
func NewActor(client llm.Client, timeout time.Duration, targetWords int) *Actor {
	if targetWords <= 0 {
		targetWords = reward.DefaultTargetWords
	}
	return &Actor{client: client, timeout: timeout, targetWords: targetWords, now: time.Now}
}

// Draft 生成初稿、自我批评与检索词。
func (a *Actor) Draft(ctx context.Context, prompt string) (Reflection, error) {
	instruction := fmt.Sprintf("Provide a detailed ~%d word answer.", a.targetWords)
	req := llm.Request{
		Purpose: "draft",
		System:  fmt.Sprintf(actorTemplate, a.now().Format(time.RFC3339), instruction, ""),
		User:    "Question:\n" + strings.TrimSpace(prompt),
		Fields:  reflectionFields(false),
	}
	return a.generate(ctx, req)
}

// Revise 基于上一版答案、批评与检索结果生成带引用的新答案。
func (a *Actor) Revise(ctx context.Context, in RevisionInput) (Reflection, error) {
	req := llm.Request{
		Purpose: "revise",
		System:  fmt.Sprintf(actorTemplate, a.now().Format(time.RFC3339), fmt.Sprintf(reviseInstructions, a.targetWords), referencesField),
		User:    buildRevisionPrompt(in),
		Fields:  reflectionFields(true),
	}
	reflection, err := a.generate(ctx, req)
	if err != nil {
		return Reflection{}, err
	}
	reflection.Answer = attachReferences(reflection.Answer, reflection.References)
	return reflection, nil
}

func (a *Actor) generate(ctx context.Context, req llm.Request) (Reflection, error) {
	if a.client == nil {
		return Reflection{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置生成模型客户端")
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resp, err := a.client.Generate(callCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Reflection{}, xerrors.Wrap(xerrors.CodeProvider, err, "生成调用超时",
				xerrors.WithMetadata("purpose", req.Purpose), xerrors.WithMetadata("reason", "timeout"))
		}
		if xerrors.HasCode(err, xerrors.CodeProvider) {
			return Reflection{}, err
		}
		return Reflection{}, xerrors.Wrap(xerrors.CodeProvider, err, "生成调用失败", xerrors.WithMetadata("purpose", req.Purpose))
	}
	if resp == nil {
		return Reflection{}, xerrors.New(xerrors.CodeProvider, "生成调用返回空响应", xerrors.WithMetadata("purpose", req.Purpose))
	}

	reflection, err := decodeReflection(resp.Text)
	if err != nil {
		return Reflection{}, xerrors.Wrap(xerrors.CodeProvider, err, "生成结果不符合约定结构", xerrors.WithMetadata("purpose", req.Purpose))
	}
	return reflection, nil
}

func reflectionFields(withReferences bool) []llm.Field {
	fields := []llm.Field{
		{Name: "answer", Type: llm.FieldString, Required: true, Description: "the answer as plain text"},
		{Name: "critique", Type: llm.FieldString, Required: true, Description: "severe critique of the answer"},
		{Name: "search_queries", Type: llm.FieldStringArray, Required: true, Description: "follow-up web search queries"},
	}
	if withReferences {
		fields = append(fields, llm.Field{Name: "references", Type: llm.FieldStringArray, Description: "numbered references in citation order"})
	}
	return fields
}

func buildRevisionPrompt(in RevisionInput) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(strings.TrimSpace(in.Prompt))
	b.WriteString("\n\nPrevious answer:\n")
	b.WriteString(strings.TrimSpace(in.Answer))
	b.WriteString("\n\nCritique:\n")
	b.WriteString(strings.TrimSpace(in.Critique))
	b.WriteString("\n\nSearch results:\n")
	if len(in.Results) == 0 {
		b.WriteString("(no new search results)\n")
	}
	for i, r := range in.Results {
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n", i+1, strings.TrimSpace(r.Title), r.URL)
		if snippet := strings.TrimSpace(r.Snippet); snippet != "" {
			fmt.Fprintf(&b, "Snippet: %s\n", snippet)
		}
	}
	b.WriteString("\nRevise the previous answer using these results. Return an empty \"search_queries\" list when no further research is needed.")
	return b.String()
}

// reflectionPayload 是模型响应的固定结构，指针字段用于区分缺失与空值。
type reflectionPayload struct {
	Answer        *string         `json:"answer"`
	Critique      json.RawMessage `json:"critique"`
	Reflection    json.RawMessage `json:"reflection"`
	SearchQueries *[]string       `json:"search_queries"`
	References    []string        `json:"references"`
}

// decodeReflection 严格校验三个必填字段：answer 非空、critique 存在、search_queries 为字符串数组。
func decodeReflection(text string) (Reflection, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return Reflection{}, stdErrors.New("响应中没有 JSON 对象")
	}

	var payload reflectionPayload
	decoder := json.NewDecoder(strings.NewReader(raw))
	if err := decoder.Decode(&payload); err != nil {
		return Reflection{}, fmt.Errorf("解析 JSON 失败: %w", err)
	}

	if payload.Answer == nil || strings.TrimSpace(*payload.Answer) == "" {
		return Reflection{}, stdErrors.New("缺少 answer 字段")
	}
	critiqueRaw := payload.Critique
	if len(critiqueRaw) == 0 {
		critiqueRaw = payload.Reflection
	}
	critique, err := decodeCritique(critiqueRaw)
	if err != nil {
		return Reflection{}, err
	}
	if payload.SearchQueries == nil {
		return Reflection{}, stdErrors.New("缺少 search_queries 字段")
	}

	queries := make([]string, 0, len(*payload.SearchQueries))
	for _, q := range *payload.SearchQueries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	refs := make([]string, 0, len(payload.References))
	for _, r := range payload.References {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}

	return Reflection{
		Answer:     strings.TrimSpace(*payload.Answer),
		Critique:   critique,
		Queries:    queries,
		References: refs,
	}, nil
}

// decodeCritique 接受字符串，或 {"missing": "...", "superfluous": "..."} 形式的对象。
func decodeCritique(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", stdErrors.New("缺少 critique 字段")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}
	var parts map[string]string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("critique 字段类型错误: %w", err)
	}
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(parts[k]); v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", k, v))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// extractJSONObject 去掉 markdown 代码块等包装，返回最外层的 JSON 对象文本。
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// attachReferences 在答案缺少 References 区块时，用模型单独返回的引用列表补上。
func attachReferences(answer string, refs []string) string {
	if len(refs) == 0 || reward.HasReferences(answer) {
		return answer
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(answer))
	b.WriteString("\n\nReferences:\n")
	for i, ref := range refs {
		if strings.HasPrefix(ref, "[") {
			b.WriteString(ref)
		} else {
			fmt.Fprintf(&b, "[%d] %s", i+1, ref)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
