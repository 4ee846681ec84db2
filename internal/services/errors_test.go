package services_test

import (
	"errors"
	"testing"

	"emworker/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("connection refused")
	err := services.Wrap(services.ErrTransient, "transfer", "update_task", "push event", base)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	want := "transient failure: transfer: update_task: push event: connection refused"
	if err.Error() != want {
		t.Fatalf("message mismatch:\n got %q\nwant %q", err.Error(), want)
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "otf", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient default, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "t", "op", "", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "t", "op", "", nil), true},
		{"contract", services.Wrap(services.ErrContract, "t", "op", "", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "t", "op", "", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
