package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
	"Neural-Reflexion/internal/search"
)

func TestDecodeReflectionAcceptsFencedJSON(t *testing.T) {
	text := "```json\n{\"answer\":\" Plants use light. \",\"critique\":\"too short\",\"search_queries\":[\"light reactions\",\" \"]}\n```"
	got, err := decodeReflection(text)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Answer != "Plants use light." || got.Critique != "too short" {
		t.Fatalf("unexpected reflection: %+v", got)
	}
	if len(got.Queries) != 1 || got.Queries[0] != "light reactions" {
		t.Fatalf("blank queries should be dropped: %q", got.Queries)
	}
}

func TestDecodeReflectionAcceptsStructuredCritique(t *testing.T) {
	text := `{"answer":"a","reflection":{"missing":"numbers","superfluous":"history"},"search_queries":[]}`
	got, err := decodeReflection(text)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Critique != "missing: numbers\nsuperfluous: history" {
		t.Fatalf("unexpected critique: %q", got.Critique)
	}
}

func TestDecodeReflectionRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"not json":         "I think photosynthesis is...",
		"missing answer":   `{"critique":"c","search_queries":[]}`,
		"empty answer":     `{"answer":"  ","critique":"c","search_queries":[]}`,
		"missing critique": `{"answer":"a","search_queries":[]}`,
		"missing queries":  `{"answer":"a","critique":"c"}`,
		"queries type":     `{"answer":"a","critique":"c","search_queries":"one"}`,
	}
	for name, text := range cases {
		if _, err := decodeReflection(text); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestAttachReferences(t *testing.T) {
	got := attachReferences("Body [1].", []string{"Source A https://a.example", "[2] Source B"})
	want := "Body [1].\n\nReferences:\n[1] Source A https://a.example\n[2] Source B"
	if got != want {
		t.Fatalf("unexpected answer:\n%s", got)
	}
	existing := "Body [1].\n\nReferences:\n[1] x"
	if attachReferences(existing, []string{"y"}) != existing {
		t.Fatalf("existing references block should be kept")
	}
	inline := "Body [1] [2].\n\nReferences: [1] x https://a.example [2] y https://b.example"
	if attachReferences(inline, []string{"z"}) != inline {
		t.Fatalf("inline references block should be kept")
	}
}

type capturingLLM struct {
	text string
	err  error
	wait time.Duration
	reqs []llm.Request
}

func (c *capturingLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.reqs = append(c.reqs, req)
	if c.wait > 0 {
		select {
		case <-time.After(c.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text}, nil
}

func TestActorReviseEmbedsResults(t *testing.T) {
	client := &capturingLLM{text: `{"answer":"Revised [1]","critique":"ok","search_queries":[],"references":["https://a.example"]}`}
	actor := NewActor(client, time.Second, 200)

	got, err := actor.Revise(context.Background(), RevisionInput{
		Prompt:   "Explain photosynthesis",
		Answer:   "Draft",
		Critique: "Needs sources",
		Results:  []search.Result{{Title: "A", URL: "https://a.example", Snippet: "light"}},
	})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if !strings.Contains(got.Answer, "References:\n[1] https://a.example") {
		t.Fatalf("references not attached: %q", got.Answer)
	}
	req := client.reqs[0]
	if req.Purpose != "revise" || !strings.Contains(req.User, "URL: https://a.example") || !strings.Contains(req.User, "Needs sources") {
		t.Fatalf("revision prompt incomplete: %s", req.User)
	}
	if !strings.Contains(req.System, "Max 200 words") {
		t.Fatalf("target words not applied: %s", req.System)
	}
	if len(req.Fields) != 4 {
		t.Fatalf("revision should request the references field, got %d fields", len(req.Fields))
	}
}

func TestActorTimeoutIsProviderError(t *testing.T) {
	actor := NewActor(&capturingLLM{wait: 200 * time.Millisecond}, 10*time.Millisecond, 0)
	_, err := actor.Draft(context.Background(), "q")
	if !xerrors.HasCode(err, xerrors.CodeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline should be preserved in the chain: %v", err)
	}
}

func TestActorWrapsPlainErrors(t *testing.T) {
	actor := NewActor(&capturingLLM{err: errors.New("connection reset")}, 0, 0)
	if _, err := actor.Draft(context.Background(), "q"); !xerrors.HasCode(err, xerrors.CodeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	bad := NewActor(&capturingLLM{text: "not json"}, 0, 0)
	if _, err := bad.Draft(context.Background(), "q"); !xerrors.HasCode(err, xerrors.CodeProvider) {
		t.Fatalf("unparseable output should be a provider error, got %v", err)
	}
}
