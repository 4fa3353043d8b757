package apihandler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/registry"
	"github.com/orbitflow/taskengine/internal/registry/apihandler"
)

func newHandler(t *testing.T, srv *httptest.Server) *apihandler.Handler {
	t.Helper()
	return apihandler.New(
		func(ec *registry.ExecutionContext) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, srv.URL, nil)
		},
		nil,
	)
}

func TestRunSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHandler(t, srv)
	results, err := h.Run(&registry.ExecutionContext{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if results["ok"] != true {
		t.Fatalf("expected parsed body, got %v", results)
	}
}

func TestRunClassifies429WithRetryAfterAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHandler(t, srv)
	_, err := h.Run(&registry.ExecutionContext{})
	if err == nil {
		t.Fatalf("expected a retryable error")
	}
	retryable, ok := err.(*apierr.RetryableError)
	if !ok {
		t.Fatalf("expected *apierr.RetryableError, got %T", err)
	}
	if retryable.BackoffRequestedSec != 7 {
		t.Fatalf("expected Retry-After of 7s to propagate, got %d", retryable.BackoffRequestedSec)
	}
}

func TestRunClassifies400AsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHandler(t, srv)
	_, err := h.Run(&registry.ExecutionContext{})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := err.(*apierr.PermanentError); !ok {
		t.Fatalf("expected *apierr.PermanentError, got %T", err)
	}
}

func TestRunClassifies500AsRetryableWithoutServerHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHandler(t, srv)
	_, err := h.Run(&registry.ExecutionContext{})
	retryable, ok := err.(*apierr.RetryableError)
	if !ok {
		t.Fatalf("expected *apierr.RetryableError, got %T", err)
	}
	if retryable.BackoffRequestedSec != 0 {
		t.Fatalf("expected no server hint for a bare 500, got %d", retryable.BackoffRequestedSec)
	}
}
