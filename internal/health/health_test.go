package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.HandlerFunc, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", path, nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec, body
}

func okChecker(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failingChecker(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	// Liveness ignores checker state: a process that serves HTTP is alive
	// even when the broker is down.
	h := New(failingChecker("broker", "dial tcp: connection refused"))

	rec, body := get(t, h.Healthz, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_BrokerReachable(t *testing.T) {
	h := New(okChecker("broker"))

	rec, body := get(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body.Checks["broker"] != "ok" {
		t.Errorf("broker check = %q, want ok", body.Checks["broker"])
	}
}

func TestReadyz_BrokerUnreachable(t *testing.T) {
	h := New(
		okChecker("config"),
		failingChecker("broker", "dial tcp: connection refused"),
	)

	rec, body := get(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body.Status != "fail" {
		t.Errorf("body status = %q, want fail", body.Status)
	}
	if body.Checks["broker"] != "fail: dial tcp: connection refused" {
		t.Errorf("broker check = %q", body.Checks["broker"])
	}
	// A healthy checker still reports ok alongside the failure.
	if body.Checks["config"] != "ok" {
		t.Errorf("config check = %q, want ok", body.Checks["config"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	rec, body := get(t, New().Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "broker", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New(okChecker("broker")).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
