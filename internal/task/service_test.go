package task

import (
	"context"
	"errors"
	"testing"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/search"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return errors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 1)
	ctx := context.Background()

	if _, err := service.Submit(ctx, Request{Prompt: "   "}); !IsTaskError(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for blank prompt, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{Prompt: "q", MaxIterations: -1}); !IsTaskError(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for negative iterations, got %v", err)
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 2)
	ctx := context.Background()

	first, err := service.Submit(ctx, Request{ID: "fixed", Prompt: "first"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, Request{ID: "fixed", Prompt: "second"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.Prompt != "first" {
		t.Fatalf("resubmission should return the existing task: %+v", second)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected a single queued message, got %d", queue.Len())
	}

	generated, err := service.Submit(ctx, Request{Prompt: "no id"})
	if err != nil {
		t.Fatalf("submit without id: %v", err)
	}
	if generated.ID == "" || generated.MaxRetries != 2 {
		t.Fatalf("unexpected generated task: %+v", generated)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 1)

	_, err := service.Submit(context.Background(), Request{ID: "lost", Prompt: "q"})
	if !xerrors.HasCode(err, CodeTaskPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, getErr := store.Get(context.Background(), "lost")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unpublished task should be failed: %+v", task)
	}
}

func TestServiceCancelPendingTask(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 1)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, Request{Prompt: "never runs"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	canceled, err := service.Cancel(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	// 已取消的任务被消费时直接跳过。
	processor := NewProcessor(&fakeRunner{}, store, queue, queue)
	if err := processor.handle(ctx, submitted.ID); err != nil {
		t.Fatalf("handle canceled task: %v", err)
	}
	task, _ := service.Get(ctx, submitted.ID)
	if task.Status != StatusCanceled || task.Attempts != 0 {
		t.Fatalf("canceled task must not run: %+v", task)
	}

	if _, err := service.Cancel(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceCancelRunningWithoutCanceller(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 1)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, Request{Prompt: "elsewhere"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Claim(ctx, submitted.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := service.Cancel(ctx, submitted.ID); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict without canceller, got %v", err)
	}
}

func TestServiceSourcesDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 1)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Create(ctx, &Task{ID: id, Prompt: "q", MaxRetries: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.Claim(ctx, id); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	runA := finishedRun("a", agent.StopConverged, 50)
	runA.Sources = []search.Result{
		{URL: "https://example.com/shared", Title: "Shared", Query: "q1"},
		{URL: "https://example.com/a", Title: "A", Query: "q1"},
	}
	runB := finishedRun("b", agent.StopConverged, 60)
	runB.Sources = []search.Result{{URL: "https://example.com/shared", Title: "Shared", Query: "q2"}}
	if err := store.MarkSucceeded(ctx, "a", runA); err != nil {
		t.Fatalf("mark a: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "b", runB); err != nil {
		t.Fatalf("mark b: %v", err)
	}

	sources, err := service.Sources(ctx, 10)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 unique sources, got %+v", sources)
	}
	seen := map[string]bool{}
	for _, src := range sources {
		if seen[src.URL] {
			t.Fatalf("duplicate source %s", src.URL)
		}
		seen[src.URL] = true
	}
}
