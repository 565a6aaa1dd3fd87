package tools

import (
	"context"
	"errors"
	"testing"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/search"
)

type stubProvider struct {
	results map[string][]search.Result
	errs    map[string]error
	calls   []string
	limits  []int
}

func (s *stubProvider) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	s.calls = append(s.calls, query)
	s.limits = append(s.limits, limit)
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

func TestExecuteDeduplicatesAcrossQueries(t *testing.T) {
	provider := &stubProvider{results: map[string][]search.Result{
		"light reactions": {
			{Title: "A", URL: "https://a.example"},
			{Title: "B", URL: "https://b.example"},
		},
		"calvin cycle": {
			{Title: "B again", URL: " https://b.example "},
		},
	}}
	exec := NewExecutor(provider, WithMaxResults(4))

	out, err := exec.Execute(context.Background(), []string{"light reactions", "calvin cycle"}, map[string]struct{}{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 unique results, got %+v", out.Results)
	}
	if out.Results[0].Query != "light reactions" || out.Results[1].URL != "https://b.example" {
		t.Fatalf("unexpected order or tagging: %+v", out.Results)
	}
	if provider.limits[0] != 4 {
		t.Fatalf("limit not forwarded: %v", provider.limits)
	}
}

func TestExecuteSkipsUrlsSeenInEarlierRounds(t *testing.T) {
	provider := &stubProvider{results: map[string][]search.Result{
		"q": {{URL: "https://old.example"}, {URL: "https://new.example"}},
	}}
	seen := map[string]struct{}{"https://old.example": {}}

	out, err := NewExecutor(provider).Execute(context.Background(), []string{"q"}, seen)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].URL != "https://new.example" {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
	if _, ok := seen["https://new.example"]; !ok {
		t.Fatalf("seen set not updated")
	}
}

func TestExecuteContinuesAfterQueryFailure(t *testing.T) {
	provider := &stubProvider{
		results: map[string][]search.Result{"good": {{URL: "https://good.example"}}},
		errs:    map[string]error{"bad": errors.New("upstream 502")},
	}
	var hooked []QueryFailure
	exec := NewExecutor(provider, WithFailureHook(func(f QueryFailure) { hooked = append(hooked, f) }))

	out, err := exec.Execute(context.Background(), []string{"bad", "good"}, nil)
	if err != nil {
		t.Fatalf("a single failure must not abort the step: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Query != "good" {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
	if len(out.Failures) != 1 || out.Failures[0].Query != "bad" || out.Failures[0].Code != string(xerrors.CodeQueryFailure) {
		t.Fatalf("unexpected failures: %+v", out.Failures)
	}
	if len(hooked) != 1 {
		t.Fatalf("failure hook not invoked")
	}
}

func TestExecuteCapsResultsPerQuery(t *testing.T) {
	provider := &stubProvider{results: map[string][]search.Result{
		"q": {{URL: "https://1"}, {URL: ""}, {URL: "https://2"}, {URL: "https://3"}, {URL: "https://4"}},
	}}
	out, err := NewExecutor(provider, WithPerQuery(2)).Execute(context.Background(), []string{"q"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Results) != 2 || out.Results[1].URL != "https://2" {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	provider := &stubProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(provider).Execute(ctx, []string{"q"}, nil)
	if !xerrors.HasCode(err, xerrors.CodeCanceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if len(provider.calls) != 0 {
		t.Fatalf("no search should run after cancellation")
	}
}

func TestCleanQueries(t *testing.T) {
	got := CleanQueries([]string{` "photosynthesis steps", `, "photosynthesis steps", "  ", "'chlorophyll'"})
	if len(got) != 2 || got[0] != "photosynthesis steps" || got[1] != "chlorophyll" {
		t.Fatalf("unexpected cleaned queries: %q", got)
	}
}
