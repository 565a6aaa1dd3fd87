package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var dispatched []xerrors.Code
	d := NewFanout(NewWebhookNotifier(srv.URL, time.Second), LogNotifier{}).
		OnDispatch(func(code xerrors.Code) { dispatched = append(dispatched, code) })

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeProvider, TaskID: "run-1", Metadata: map[string]string{"stage": "terminal"}})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeProvider || got.TaskID != "run-1" || got.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if len(dispatched) != 1 {
		t.Fatalf("dispatch hook not called")
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewFanout(NewWebhookNotifier(srv.URL, time.Second)).Notify(context.Background(), Event{Code: xerrors.CodeUnknown}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
	if err := NewWebhookNotifier("", 0).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}
