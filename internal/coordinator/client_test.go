package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/services"
)

func newTestClient(t *testing.T, handler http.Handler) (*coordinator.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := coordinator.New(config.Coordinator{URL: server.URL, RequestTimeout: 5, PollTimeout: 10})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	return client, server
}

func TestConnectWorkerStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connect_worker", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Attrs struct {
				Worker string         `json:"worker"`
				Specs  map[string]any `json:"specs"`
			} `json:"attrs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Attrs.Worker != "krios1" {
			t.Errorf("unexpected worker name %q", body.Attrs.Worker)
		}
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-123"})
	})

	client, _ := newTestClient(t, mux)
	token, err := client.ConnectWorker(context.Background(), "krios1", map[string]any{"cpus": 16})
	if err != nil {
		t.Fatalf("ConnectWorker: %v", err)
	}
	if token != "tok-123" || client.Token() != "tok-123" {
		t.Fatalf("token not retained: %q / %q", token, client.Token())
	}
}

func TestUpdateTaskSendsEvent(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/update_task", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Attrs map[string]any `json:"attrs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.Attrs
		json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
	})

	client, _ := newTestClient(t, mux)
	err := client.UpdateTask(context.Background(), 9, coordinator.Event{"new_files": 20, "done": 1})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got["task_id"].(float64) != 9 {
		t.Fatalf("unexpected task id %v", got["task_id"])
	}
	event := got["event"].(map[string]any)
	if event["new_files"].(float64) != 20 {
		t.Fatalf("unexpected event payload %v", event)
	}
}

func TestErrorResponseBecomesContractError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get_new_tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid token"})
	})

	client, _ := newTestClient(t, mux)
	_, err := client.GetNewTasks(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrContract) {
		t.Fatalf("expected contract error, got %v", err)
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := coordinator.New(config.Coordinator{URL: url, RequestTimeout: 1, PollTimeout: 2})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	_, err = client.GetPendingTasks(context.Background())
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestGetSessionParsesListResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get_sessions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Condition string `json:"condition"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Condition != "id=42" {
			t.Errorf("unexpected condition %q", body.Condition)
		}
		json.NewEncoder(w).Encode(map[string]any{"sessions": []map[string]any{{
			"id":   42,
			"name": "20260901-krios1",
			"extra": map[string]any{
				"raw": map[string]any{"movies": 17, "path": "/raw/s42"},
			},
		}}})
	})

	client, _ := newTestClient(t, mux)
	session, err := client.GetSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.ID != 42 || session.Extra.Raw == nil || session.Extra.Raw.Movies != 17 {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestOTFStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to coordinator.OTFStatus }{
		{"", coordinator.OTFCreated},
		{coordinator.OTFCreated, coordinator.OTFLaunched},
		{coordinator.OTFLaunched, coordinator.OTFRunning},
		{coordinator.OTFLaunched, coordinator.OTFStopped},
		{coordinator.OTFRunning, coordinator.OTFStopped},
		{coordinator.OTFRunning, coordinator.OTFFinished},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%q -> %q should be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to coordinator.OTFStatus }{
		{coordinator.OTFStopped, coordinator.OTFRunning},
		{coordinator.OTFFinished, coordinator.OTFLaunched},
		{coordinator.OTFCreated, coordinator.OTFRunning},
		{coordinator.OTFRunning, coordinator.OTFCreated},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%q -> %q should be denied", tc.from, tc.to)
		}
	}
}

func TestEventDone(t *testing.T) {
	if (coordinator.Event{"done": 0}).Done() {
		t.Fatal("done=0 should not be terminal")
	}
	if !(coordinator.Event{"done": 1}).Done() {
		t.Fatal("done=1 should be terminal")
	}
	if !(coordinator.Event{"done": 1.0}).Done() {
		t.Fatal("decoded JSON number should be terminal")
	}
}
