package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"loom/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "render", "spawn", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"render", "spawn", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", services.Wrap(services.ErrValidation, "queue", "enqueue", "missing type", nil), http.StatusBadRequest},
		{"not found", services.Wrap(services.ErrNotFound, "scheduler", "force-execute", "title absent", nil), http.StatusNotFound},
		{"conflict", services.Wrap(services.ErrConflict, "pipeline", "create", "already exists", nil), http.StatusConflict},
		{"timeout", services.Wrap(services.ErrTimeout, "render", "wait", "deadline", nil), http.StatusGatewayTimeout},
		{"transient", services.Wrap(services.ErrTransient, "crawl", "fetch", "io", errors.New("io")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := services.HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, got)
		}
	}
}
