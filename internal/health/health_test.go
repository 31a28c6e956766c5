package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/health"
)

func TestLivenessHandler(t *testing.T) {
	h := health.NewHandler(clock.NewMock(time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	var status health.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" {
		t.Errorf("got status %q, want %q", status.Status, "ok")
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	h := health.NewHandler(clock.NewMock(time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadinessHandler_Ready(t *testing.T) {
	h := health.NewHandler(clock.NewMock(time.Now()), health.Checker{
		Name:  "db",
		Check: func(ctx context.Context) error { return nil },
	})
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	var status health.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Checks["db"] != "ok" {
		t.Errorf("got db check %q, want %q", status.Checks["db"], "ok")
	}
}

func TestReadinessHandler_FailingCheck(t *testing.T) {
	h := health.NewHandler(clock.NewMock(time.Now()), health.Checker{
		Name:  "db",
		Check: func(ctx context.Context) error { return errors.New("connection refused") },
	})
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
