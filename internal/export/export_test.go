package export

import (
	"encoding/json"
	"strings"
	"testing"

	"Neural-Reflexion/internal/agent"
	"Neural-Reflexion/internal/reward"
	"Neural-Reflexion/internal/search"
)

func sampleState() *agent.RunState {
	return &agent.RunState{
		ID:     "run-1",
		Prompt: "How does photosynthesis work?",
		Phase:  agent.PhaseStopped,
		Answer: "Plants convert light into chemical energy [1].",
		Sources: []search.Result{
			{Query: "photosynthesis", URL: "https://z.example/light"},
			{Query: "photosynthesis", URL: "https://a.example/chlorophyll"},
		},
		References: []reward.Reference{{Number: 1, Text: "https://a.example/chlorophyll", URL: "https://a.example/chlorophyll"}},
		Iterations: 2,
		Trace: []agent.IterationRecord{
			{Index: 1, Score: 41.5, Queries: []string{"chlorophyll"}},
			{Index: 2, Score: 63.25},
		},
		StopReason: agent.StopConverged,
	}
}

func TestMarkdownAppendsReferences(t *testing.T) {
	out := string(Markdown(sampleState()))
	if !strings.HasPrefix(out, "# Final Answer\n\n**Prompt:** How does photosynthesis work?") {
		t.Fatalf("unexpected header: %q", out)
	}
	if !strings.Contains(out, "## References\n\n- [1] https://a.example/chlorophyll") {
		t.Fatalf("references missing: %q", out)
	}
	if !strings.Contains(out, "41.50 → 63.25") {
		t.Fatalf("score trajectory missing: %q", out)
	}
}

func TestMarkdownKeepsInlineReferences(t *testing.T) {
	state := sampleState()
	state.Answer += "\n\nReferences:\n[1] https://a.example/chlorophyll"
	out := string(Markdown(state))
	if strings.Count(out, "References") != 1 {
		t.Fatalf("references block duplicated: %q", out)
	}
}

func TestHTMLRendersMarkdown(t *testing.T) {
	out, err := HTML(sampleState())
	if err != nil {
		t.Fatalf("HTML returned error: %v", err)
	}
	html := string(out)
	if !strings.Contains(html, "<h1>Final Answer</h1>") || !strings.Contains(html, "<strong>Prompt:</strong>") {
		t.Fatalf("unexpected html: %s", html)
	}
}

func TestJSONSortsSources(t *testing.T) {
	out, err := JSON(sampleState())
	if err != nil {
		t.Fatalf("JSON returned error: %v", err)
	}
	var doc TraceDocument
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(doc.Sources) != 2 || doc.Sources[0] != "https://a.example/chlorophyll" {
		t.Fatalf("sources not sorted: %v", doc.Sources)
	}
	if len(doc.Scores) != 2 || doc.Scores[1] != 63.25 {
		t.Fatalf("unexpected scores: %v", doc.Scores)
	}
	if doc.StopReason != agent.StopConverged || len(doc.Iterations) != 2 {
		t.Fatalf("unexpected trace document: %+v", doc)
	}
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
	f, err := ParseFormat("MD")
	if err != nil || f != FormatMarkdown {
		t.Fatalf("expected markdown alias, got %q %v", f, err)
	}
	if _, err := Render(nil, FormatJSON); err == nil {
		t.Fatalf("expected error for nil state")
	}
}

func TestCompare(t *testing.T) {
	left := sampleState()
	right := sampleState()
	right.ID = "run-2"
	right.Trace = append(right.Trace, agent.IterationRecord{Index: 3, Score: 70})
	right.Sources = right.Sources[1:]

	cmp := Compare(left, right)
	if cmp.ScoreDelta != 6.75 {
		t.Fatalf("unexpected delta %v", cmp.ScoreDelta)
	}
	if len(cmp.SharedSources) != 1 || cmp.SharedSources[0] != "https://a.example/chlorophyll" {
		t.Fatalf("unexpected shared sources %v", cmp.SharedSources)
	}
	if cmp.Right.Sources != 1 || cmp.Left.FinalScore != 63.25 {
		t.Fatalf("unexpected sides %+v", cmp)
	}
}
