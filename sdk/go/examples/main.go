package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Neural-Reflexion/sdk/go/reflexion"
)

func main() {
	started := time.Now().Add(-40 * time.Second).UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(reflexion.Task{
				ID:        "run-demo",
				Prompt:    "How do heat pumps work in cold climates?",
				Status:    reflexion.StatusPending,
				CreatedAt: started.Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(reflexion.Task{
			ID:     "run-demo",
			Prompt: "How do heat pumps work in cold climates?",
			Status: reflexion.StatusSucceeded,
			Run: &reflexion.RunState{
				Answer:     "Cold-climate heat pumps use variable-speed compressors [1].\n\nReferences:\n[1] https://example.com/heat-pumps",
				Iterations: 2,
				StopReason: "plateau",
				Trace: []reflexion.Iteration{
					{Index: 1, Score: 52.4},
					{Index: 2, Score: 52.6},
				},
				StartedAt:  started,
				FinishedAt: started.Add(35 * time.Second),
			},
		})
	})
	mux.HandleFunc("/api/v1/tasks/run-demo/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = fmt.Fprint(w, "# How do heat pumps work in cold climates?\n\nCold-climate heat pumps use variable-speed compressors [1].\n")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := reflexion.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitRun(ctx, reflexion.RunSubmission{Prompt: "How do heat pumps work in cold climates?", MaxIterations: 3})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", submitted.ID, submitted.Status)

	done, err := client.WaitForCompletion(ctx, submitted.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: stop_reason=%s iterations=%d score=%.2f\n",
		done.ID, done.Run.StopReason, done.Run.Iterations, done.Run.FinalScore())

	body, err := client.Export(ctx, done.ID, reflexion.FormatMarkdown)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s", body)
}
