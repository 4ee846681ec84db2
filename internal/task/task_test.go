package task_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/logging"
	"emworker/internal/task"
	"emworker/internal/testsupport"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []coordinator.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event coordinator.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []coordinator.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]coordinator.Event(nil), p.events...)
}

type funcHandler struct {
	fn func(ctx context.Context, rt *task.Runtime) (task.Outcome, error)
}

func (h *funcHandler) Process(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	return h.fn(ctx, rt)
}

func newRuntime(t *testing.T, pub task.Publisher) *task.Runtime {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Worker.TaskSleep = 1
	return &task.Runtime{
		Config:    cfg,
		Logger:    logging.NewNop(),
		Publisher: pub,
	}
}

func TestRunLoopsUntilDone(t *testing.T) {
	pub := &recordingPublisher{}
	iterations := 0
	handler := &funcHandler{fn: func(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
		iterations++
		if iterations == 3 {
			return task.Outcome{Done: true}, nil
		}
		return task.Outcome{Sleep: task.Immediate}, nil
	}}

	if err := task.Run(context.Background(), newRuntime(t, pub), handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if iterations != 3 {
		t.Fatalf("iterations = %d, want 3", iterations)
	}
	if len(pub.all()) != 0 {
		t.Fatal("clean run should not publish error events")
	}
}

func TestRunPublishesTerminalErrorWithStack(t *testing.T) {
	pub := &recordingPublisher{}
	handler := &funcHandler{fn: func(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
		return task.Outcome{}, errors.New("copy failed")
	}}

	if err := task.Run(context.Background(), newRuntime(t, pub), handler); err == nil {
		t.Fatal("Run should return the handler error")
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if event["error"] != "copy failed" {
		t.Errorf("error field = %v", event["error"])
	}
	if stack, _ := event["stack"].(string); stack == "" {
		t.Error("terminal event must carry a stack trace")
	}
	if !event.Done() {
		t.Error("error event must be terminal")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	pub := &recordingPublisher{}
	handler := &funcHandler{fn: func(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
		panic("boom")
	}}

	err := task.Run(context.Background(), newRuntime(t, pub), handler)
	if err == nil {
		t.Fatal("Run should surface the panic as an error")
	}
	events := pub.all()
	if len(events) != 1 || !events[0].Done() {
		t.Fatalf("panic should publish one terminal event, got %v", events)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	handler := &funcHandler{fn: func(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
		cancel()
		return task.Outcome{}, nil
	}}

	err := task.Run(ctx, newRuntime(t, pub), handler)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(pub.all()) != 0 {
		t.Fatal("cancellation must not publish an error event")
	}
}

func TestEventPublisherRejectsAfterDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
	}))
	defer server.Close()

	client, err := coordinator.New(config.Coordinator{URL: server.URL, RequestTimeout: 5, PollTimeout: 5})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	pub := task.NewEventPublisher(client, 7, logging.NewNop())

	if err := pub.Publish(context.Background(), coordinator.Event{"new_files": 5}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := pub.Publish(context.Background(), coordinator.Event{"done": 1}); err != nil {
		t.Fatalf("done publish: %v", err)
	}
	if err := pub.Publish(context.Background(), coordinator.Event{"new_files": 1}); err == nil {
		t.Fatal("publish after done must fail")
	}
}

func TestEventPublisherRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := coordinator.New(config.Coordinator{URL: server.URL, RequestTimeout: 5, PollTimeout: 5})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	pub := task.NewEventPublisher(client, 7, logging.NewNop(),
		task.WithMaxTries(2), task.WithRetryWait(time.Millisecond))

	if err := pub.Publish(context.Background(), coordinator.Event{"n": 1}); err == nil {
		t.Fatal("exhausted retry budget must fail")
	}
}

func TestGuardSingleHolder(t *testing.T) {
	guard := task.NewGuard()

	if displaced := guard.Claim(1); len(displaced) != 0 {
		t.Fatalf("first claim displaced %v", displaced)
	}
	if displaced := guard.Claim(1); len(displaced) != 0 {
		t.Fatalf("re-claim displaced %v", displaced)
	}
	displaced := guard.Claim(2)
	if len(displaced) != 1 || displaced[0] != 1 {
		t.Fatalf("second task should displace the first, got %v", displaced)
	}
	if guard.Holder() != 2 {
		t.Fatalf("holder = %d, want 2", guard.Holder())
	}

	guard.Release(1)
	if guard.Holder() != 2 {
		t.Fatal("release by non-holder must not clear the slot")
	}
	guard.Release(2)
	if guard.Holder() != 0 {
		t.Fatal("slot should be free after release")
	}
}
