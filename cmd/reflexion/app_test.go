package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"Neural-Reflexion/internal/agent"
	"Neural-Reflexion/sdk/go/reflexion"
)

func TestSubmitWaitPrintsFinalTask(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var sub reflexion.RunSubmission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		if sub.Prompt != "why is the sky blue" || sub.MaxIterations != 3 {
			t.Errorf("unexpected submission: %+v", sub)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(reflexion.Task{ID: "run-9", Status: reflexion.StatusPending})
	})
	mux.HandleFunc("/api/v1/tasks/run-9", func(w http.ResponseWriter, r *http.Request) {
		status := reflexion.StatusRunning
		if polls.Add(1) > 1 {
			status = reflexion.StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(reflexion.Task{ID: "run-9", Status: status})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	app := newApp(&out, &bytes.Buffer{})
	args := []string{"reflexion", "submit", "--server", srv.URL, "--max-iterations", "3", "--wait", "--interval", "5ms", "why", "is", "the", "sky", "blue"}
	if err := app.RunContext(context.Background(), args); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var task reflexion.Task
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if task.Status != reflexion.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", task.Status)
	}
}

func TestStatusPrintsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(reflexion.ServiceStatus{
			LLMProvider:    "gemini",
			SearchProvider: "tavily",
			TaskStore:      "memory",
			TaskQueue:      "memory",
			Credentials: []reflexion.Credential{
				{Name: "gemini", EnvVar: "GOOGLE_API_KEY", Present: true},
				{Name: "tavily", EnvVar: "TAVILY_API_KEY"},
			},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	app := newApp(&out, &bytes.Buffer{})
	if err := app.RunContext(context.Background(), []string{"reflexion", "status", "--server", srv.URL}); err != nil {
		t.Fatalf("status: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "llm: gemini") || !strings.Contains(text, "TAVILY_API_KEY") || !strings.Contains(text, "missing") {
		t.Fatalf("unexpected status output: %q", text)
	}
}

func TestCommandsRequireArguments(t *testing.T) {
	for _, args := range [][]string{
		{"reflexion", "run"},
		{"reflexion", "get"},
		{"reflexion", "compare", "only-one"},
	} {
		app := newApp(&bytes.Buffer{}, &bytes.Buffer{})
		if err := app.RunContext(context.Background(), args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	emit := progressPrinter(&buf)
	emit(agent.Event{Phase: agent.PhaseDrafting})
	emit(agent.Event{Phase: agent.PhaseRevising, Iteration: 1, Score: 48.25})
	emit(agent.Event{Phase: agent.PhaseStopped, Iteration: 2, StopReason: agent.StopPlateau})

	want := "[0] DRAFTING\n[1] REVISING score=48.25\n[2] STOPPED (plateau)\n"
	if buf.String() != want {
		t.Fatalf("unexpected progress output:\n%s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := truncate("光合作用是什么过程", 5); got != "光合作用…" {
		t.Fatalf("unexpected: %q", got)
	}
}
