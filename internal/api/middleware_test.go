package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantSame bool
	}{
		{name: "generated", header: ""},
		{name: "propagated", header: "req-123", wantSame: true},
		{name: "oversized replaced", header: strings.Repeat("x", maxCorrelationIDSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = logger.CorrelationIDFromContext(r.Context())
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(correlationHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			CorrelationIDMiddleware(zerolog.Nop())(inner).ServeHTTP(rec, req)

			if seen == "" || len(seen) > maxCorrelationIDSize {
				t.Fatalf("context id = %q", seen)
			}
			if got := rec.Header().Get(correlationHeader); got != seen {
				t.Errorf("response header %q != context id %q", got, seen)
			}
			if (seen == tt.header) != tt.wantSame {
				t.Errorf("id = %q, header = %q, wantSame %v", seen, tt.header, tt.wantSame)
			}
		})
	}
}

func TestCorrelationIDMiddleware_StoresLogger(t *testing.T) {
	var buf bytes.Buffer
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.FromContext(r.Context())
		reqLog.Info().Msg("inside")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(correlationHeader, "abc")
	CorrelationIDMiddleware(zerolog.New(&buf))(inner).ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"correlation_id":"abc"`) {
		t.Errorf("log line lacks correlation id: %s", buf.String())
	}
}

// accessLogLine routes one request through a chi mux with the access log
// installed and returns the decoded log line.
func accessLogLine(t *testing.T, handler http.HandlerFunc, target string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(CorrelationIDMiddleware(zerolog.New(&buf)))
	r.Use(AccessLogMiddleware)
	r.Get("/v1/emails/{id}", handler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestAccessLogMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		target     string
		wantStatus float64
		wantLevel  string
		wantRoute  string
	}{
		{
			name:       "implicit 200",
			handler:    func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) },
			target:     "/v1/emails/42",
			wantStatus: 200, wantLevel: "info", wantRoute: "/v1/emails/{id}",
		},
		{
			name:       "client error",
			handler:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			target:     "/v1/emails/42",
			wantStatus: 404, wantLevel: "warn", wantRoute: "/v1/emails/{id}",
		},
		{
			name:       "server error",
			handler:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			target:     "/v1/emails/42",
			wantStatus: 502, wantLevel: "error", wantRoute: "/v1/emails/{id}",
		},
		{
			name:       "unmatched route",
			target:     "/nope",
			wantStatus: 404, wantLevel: "warn", wantRoute: "unmatched",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.handler
			if h == nil {
				h = func(http.ResponseWriter, *http.Request) {}
			}
			line := accessLogLine(t, h, tt.target)
			if line["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", line["status"], tt.wantStatus)
			}
			if line["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", line["level"], tt.wantLevel)
			}
			if line["route"] != tt.wantRoute {
				t.Errorf("route = %v, want %v", line["route"], tt.wantRoute)
			}
			if line["path"] != tt.target {
				t.Errorf("path = %v, want %v", line["path"], tt.target)
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	RecoverMiddleware(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["code"] != "internal" || resp["error"] != "internal server error" {
		t.Errorf("response = %v", resp)
	}
}

func TestRecoverMiddleware_RepanicsAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) })
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	RecoverMiddleware(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestBodyLimitMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"under limit", "small", http.StatusOK},
		{"over limit", strings.Repeat("a", 100), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			BodyLimitMiddleware(16)(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
