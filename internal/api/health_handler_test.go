package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzHandler_AlwaysOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthzHandler()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
}

func TestHealthzHandler_ResponseFormat(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthzHandler()
	handler.ServeHTTP(rec, req)

	// Verify the response is valid JSON with expected structure
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}

	status, ok := resp["status"]
	if !ok {
		t.Error("response missing 'status' field")
	}
	if status != "ok" {
		t.Errorf("expected status 'ok', got %v", status)
	}
}

func TestReadyzHandler(t *testing.T) {
	healthy := PingFunc(func(context.Context) error { return nil })
	broken := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]Pinger
		wantStatus int
		wantFailed string
	}{
		{name: "no checks", checks: nil, wantStatus: http.StatusOK},
		{name: "all healthy", checks: map[string]Pinger{"database": healthy, "queue": healthy}, wantStatus: http.StatusOK},
		{name: "queue down", checks: map[string]Pinger{"database": healthy, "queue": broken}, wantStatus: http.StatusServiceUnavailable, wantFailed: "queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			rec := httptest.NewRecorder()
			ReadyzHandler(tt.checks).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantFailed == "" {
				return
			}
			if rec.Header().Get("Retry-After") != "30" {
				t.Error("expected Retry-After header")
			}
			var resp struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Checks[tt.wantFailed] != "connection refused" {
				t.Errorf("checks = %v, want %s reported", resp.Checks, tt.wantFailed)
			}
			if _, ok := resp.Checks["database"]; ok {
				t.Error("healthy check reported as failed")
			}
		})
	}
}
