package daemonrun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"emworker/internal/testsupport"
)

func TestRunReturnsWorkerStartupFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithCoordinatorURL(server.URL))

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), cfg, Options{})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("a worker that cannot authenticate must end the daemon process with an error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon process kept running with a dead worker")
	}
}
