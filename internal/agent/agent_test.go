package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
	"Neural-Reflexion/internal/search"
	"Neural-Reflexion/internal/tools"
)

// scriptedLLM 按用途依次返回预设响应，用尽后重复最后一条。
type scriptedLLM struct {
	mu      sync.Mutex
	drafts  []string
	revises []string
	errs    map[string]error
	calls   map[string]int
	onCall  func(purpose string)
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	n := s.calls[req.Purpose]
	s.calls[req.Purpose]++
	if s.onCall != nil {
		s.onCall(req.Purpose)
	}
	if err := s.errs[fmt.Sprintf("%s#%d", req.Purpose, n)]; err != nil {
		return nil, err
	}
	script := s.drafts
	if req.Purpose == "revise" {
		script = s.revises
	}
	if len(script) == 0 {
		return nil, errors.New("no scripted response")
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return &llm.Response{Text: script[n]}, nil
}

type stubSearch struct {
	results map[string][]search.Result
	errs    map[string]error
	calls   []string
}

func (s *stubSearch) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	s.calls = append(s.calls, query)
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

func reflection(answer string, queries ...string) string {
	quoted := make([]string, 0, len(queries))
	for _, q := range queries {
		quoted = append(quoted, fmt.Sprintf("%q", q))
	}
	return fmt.Sprintf(`{"answer":%q,"critique":"needs more evidence","search_queries":[%s]}`, answer, strings.Join(quoted, ","))
}

const photosynthesisAnswer = `Photosynthesis converts light energy into chemical energy stored in glucose [1]. Chlorophyll in the thylakoid membranes absorbs the light that drives the reaction [2].

References:
[1] Photosynthesis overview https://bio.example/photosynthesis
[2] Chlorophyll and light https://bio.example/chlorophyll`

func TestRunPhotosynthesisConvergesAfterOneIteration(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Plants make food from light.", "photosynthesis light reactions", "chlorophyll role")},
		revises: []string{reflection(photosynthesisAnswer)},
	}
	provider := &stubSearch{results: map[string][]search.Result{
		"photosynthesis light reactions": {
			{Title: "Overview", URL: "https://bio.example/photosynthesis"},
			{Title: "Chlorophyll", URL: "https://bio.example/chlorophyll"},
		},
		"chlorophyll role": {
			{Title: "Duplicate", URL: "https://bio.example/chlorophyll"},
		},
	}}

	var phases []Phase
	ag := New(client, tools.NewExecutor(provider), WithObserver(func(e Event) {
		if len(phases) == 0 || phases[len(phases)-1] != e.Phase {
			phases = append(phases, e.Phase)
		}
	}))
	state, err := ag.Run(context.Background(), RunRequest{ID: "run-1", Prompt: "Explain photosynthesis"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(state.Sources) != 2 {
		t.Fatalf("expected 2 unique sources, got %+v", state.Sources)
	}
	if len(state.Trace) != 1 || state.Iterations != 1 {
		t.Fatalf("expected one iteration, got trace=%d iterations=%d", len(state.Trace), state.Iterations)
	}
	if state.StopReason != StopConverged || state.Phase != PhaseStopped {
		t.Fatalf("unexpected stop: %s / %s", state.StopReason, state.Phase)
	}
	if len(state.References) != 2 {
		t.Fatalf("final references not exposed: %+v", state.References)
	}
	rec := state.Trace[0]
	if rec.Score <= 0 || rec.Breakdown.Citations != 8 || rec.Breakdown.Coverage != 30 {
		t.Fatalf("unexpected score breakdown: %+v", rec.Breakdown)
	}
	want := []Phase{PhaseDrafting, PhaseTooling, PhaseRevising, PhaseStopped}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("unexpected phases: %v", phases)
	}
}

func TestRunSkipsToolingWhenDraftRequestsNothing(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Short draft.")},
		revises: []string{reflection("Revised answer.")},
	}
	provider := &stubSearch{}
	state, err := New(client, tools.NewExecutor(provider)).Run(context.Background(), RunRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(provider.calls) != 0 {
		t.Fatalf("search should be skipped, got calls %v", provider.calls)
	}
	if state.Iterations != 1 || state.StopReason != StopConverged {
		t.Fatalf("unexpected state: %+v", state)
	}
	encoded, err := json.Marshal(state.Trace[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"results":[]`) || !strings.Contains(string(encoded), `"searched_queries":[]`) {
		t.Fatalf("skipped tooling should record empty lists: %s", encoded)
	}
}

func TestRunStopsOnPlateauBeforeMaxIterations(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Draft.", "q0")},
		revises: []string{reflection("Same answer every time.", "q1"), reflection("Same answer every time.", "q2"), reflection("Same answer every time.", "q3")},
	}
	ag := New(client, tools.NewExecutor(&stubSearch{}), WithMaxIterations(6), WithEpsilon(0.5))
	state, err := ag.Run(context.Background(), RunRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.StopReason != StopPlateau {
		t.Fatalf("expected plateau stop, got %s", state.StopReason)
	}
	if state.Iterations != 3 {
		t.Fatalf("plateau needs two stalled iterations after the first, got %d", state.Iterations)
	}
}

func TestRunNeverExceedsMaxIterations(t *testing.T) {
	for _, limit := range []int{1, 2, 3} {
		answers := make([]string, 0, 6)
		for i := 0; i < 6; i++ {
			// 每轮答案更长，保证得分持续提升，不触发平台期。
			answers = append(answers, reflection(strings.Repeat("word ", 40*(i+1)), fmt.Sprintf("q%d", i)))
		}
		client := &scriptedLLM{drafts: []string{reflection("Draft.", "seed")}, revises: answers}
		state, err := New(client, tools.NewExecutor(&stubSearch{}), WithMaxIterations(limit)).Run(context.Background(), RunRequest{Prompt: "q"})
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		if len(state.Trace) > limit || state.Iterations != len(state.Trace) {
			t.Fatalf("limit %d: trace=%d iterations=%d", limit, len(state.Trace), state.Iterations)
		}
		if state.StopReason != StopMaxIterations {
			t.Fatalf("limit %d: unexpected stop %s", limit, state.StopReason)
		}
	}
}

func TestRunRequestOverridesIterationLimit(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Draft.", "seed")},
		revises: []string{reflection(strings.Repeat("word ", 100), "more")},
	}
	state, _ := New(client, tools.NewExecutor(&stubSearch{}), WithMaxIterations(5)).Run(context.Background(), RunRequest{Prompt: "q", MaxIterations: 1})
	if state.Iterations != 1 || state.MaxIterations != 1 {
		t.Fatalf("request limit not applied: %+v", state)
	}
}

func TestRunContinuesWhenSearchQueryFails(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Draft.", "broken", "working")},
		revises: []string{reflection("Revised [1].\n\nReferences:\n[1] https://ok.example")},
	}
	provider := &stubSearch{
		results: map[string][]search.Result{"working": {{URL: "https://ok.example"}}},
		errs:    map[string]error{"broken": errors.New("timeout")},
	}
	state, err := New(client, tools.NewExecutor(provider)).Run(context.Background(), RunRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("a failed query must not abort the run: %v", err)
	}
	if len(state.Trace) != 1 || len(state.Trace[0].Failures) != 1 || len(state.Sources) != 1 {
		t.Fatalf("unexpected state: %+v", state.Trace)
	}
}

func TestRunProviderFailureKeepsPartialTrace(t *testing.T) {
	client := &scriptedLLM{
		drafts:  []string{reflection("Draft.", "a")},
		revises: []string{reflection("First revision, longer than the draft.", "b")},
		errs:    map[string]error{"revise#1": errors.New("503 from provider")},
	}
	state, err := New(client, tools.NewExecutor(&stubSearch{})).Run(context.Background(), RunRequest{Prompt: "q"})
	if !xerrors.HasCode(err, xerrors.CodeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if state == nil || len(state.Trace) != 1 || state.StopReason != StopFailed {
		t.Fatalf("partial trace should be returned: %+v", state)
	}
	if state.Error == "" || state.Phase != PhaseStopped {
		t.Fatalf("error not recorded on state")
	}
}

func TestRunDraftFailureIsFatal(t *testing.T) {
	client := &scriptedLLM{drafts: []string{"not json at all"}}
	state, err := New(client, tools.NewExecutor(&stubSearch{})).Run(context.Background(), RunRequest{Prompt: "q"})
	if !xerrors.HasCode(err, xerrors.CodeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(state.Trace) != 0 || state.StopReason != StopFailed {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestRunCancellationBetweenStepsReturnsPartialTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	revisions := 0
	client := &scriptedLLM{
		drafts:  []string{reflection("Draft.", "a")},
		revises: []string{reflection(strings.Repeat("word ", 100), "b")},
		onCall: func(purpose string) {
			if purpose == "revise" {
				revisions++
				if revisions == 2 {
					// 在第二次修订调用期间取消，控制器应在下一步开始前停止。
					cancel()
				}
			}
		},
	}
	state, err := New(client, tools.NewExecutor(&stubSearch{}), WithMaxIterations(10)).Run(ctx, RunRequest{Prompt: "q"})
	if !xerrors.HasCode(err, xerrors.CodeCanceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if state.StopReason != StopCanceled {
		t.Fatalf("unexpected stop reason %s", state.StopReason)
	}
	if len(state.Trace) == 0 {
		t.Fatalf("completed iterations must be kept")
	}
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	state, err := New(&scriptedLLM{}, tools.NewExecutor(&stubSearch{})).Run(context.Background(), RunRequest{Prompt: "  "})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) || state == nil {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRunStatesAreIndependent(t *testing.T) {
	newClient := func() *scriptedLLM {
		return &scriptedLLM{
			drafts:  []string{reflection("Draft.", "shared query")},
			revises: []string{reflection("Answer.")},
		}
	}
	provider := &stubSearch{results: map[string][]search.Result{"shared query": {{URL: "https://shared.example"}}}}
	first, _ := New(newClient(), tools.NewExecutor(provider)).Run(context.Background(), RunRequest{Prompt: "a"})
	second, _ := New(newClient(), tools.NewExecutor(provider)).Run(context.Background(), RunRequest{Prompt: "b"})
	if len(first.Sources) != 1 || len(second.Sources) != 1 {
		t.Fatalf("url dedup must not leak across runs: %d / %d", len(first.Sources), len(second.Sources))
	}
}
