package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
)

// mockEmailService records calls and returns canned results.
type mockEmailService struct {
	submitted     *dispatch.SubmitRequest
	submitErr     error
	messages      map[uuid.UUID]*message.Message
	events        []message.Event
	rescheduledAt *time.Time
	rescheduleErr error
	cancelled     []uuid.UUID
	cancelErr     error
}

func (m *mockEmailService) Submit(_ context.Context, req dispatch.SubmitRequest) (*message.Message, error) {
	m.submitted = &req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &message.Message{ID: uuid.New(), TeamID: req.TeamID, Status: message.InitialStatus(req.ScheduledAt)}, nil
}

func (m *mockEmailService) Get(_ context.Context, id uuid.UUID) (*message.Message, error) {
	if msg, ok := m.messages[id]; ok {
		return msg, nil
	}
	return nil, &dispatch.Error{Kind: dispatch.KindNotFound, Message: "message not found"}
}

func (m *mockEmailService) Events(context.Context, uuid.UUID) ([]message.Event, error) {
	return m.events, nil
}

func (m *mockEmailService) Reschedule(_ context.Context, _ uuid.UUID, at time.Time) error {
	m.rescheduledAt = &at
	return m.rescheduleErr
}

func (m *mockEmailService) Cancel(_ context.Context, id uuid.UUID) error {
	m.cancelled = append(m.cancelled, id)
	return m.cancelErr
}

func withPrincipal(req *http.Request, teamID int64) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{TeamID: teamID, APIKeyID: 5}))
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestSendEmailHandler_Success(t *testing.T) {
	svc := &mockEmailService{}
	body := `{
		"from": "Ada <ada@example.com>",
		"to": "bob@example.org",
		"cc": ["carol@example.org"],
		"replyTo": "support@example.com",
		"subject": "Hello",
		"html": "<p>hi</p>",
		"templateId": "welcome",
		"variables": {"name": "Bob"},
		"attachments": [{"filename": "a.txt", "content": "aGVsbG8=", "contentType": "text/plain"}],
		"scheduledAt": "2030-01-02T03:04:05Z"
	}`
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/emails", strings.NewReader(body)), 7)
	rec := httptest.NewRecorder()

	SendEmailHandler(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var resp emailIDResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.EmailID == uuid.Nil {
		t.Fatalf("response = %+v, %v", resp, err)
	}

	got := svc.submitted
	if got.TeamID != 7 || got.APIKeyID == nil || *got.APIKeyID != 5 {
		t.Errorf("team/key = %d/%v", got.TeamID, got.APIKeyID)
	}
	if len(got.To) != 1 || got.To[0] != "bob@example.org" {
		t.Errorf("to = %v", got.To)
	}
	if len(got.ReplyTo) != 1 || len(got.CC) != 1 {
		t.Errorf("replyTo/cc = %v/%v", got.ReplyTo, got.CC)
	}
	if len(got.Attachments) != 1 || string(got.Attachments[0].Content) != "hello" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("scheduledAt = %v", got.ScheduledAt)
	}
	if got.TemplateID == nil || *got.TemplateID != "welcome" || got.Variables["name"] != "Bob" {
		t.Errorf("template = %v %v", got.TemplateID, got.Variables)
	}
}

func TestSendEmailHandler_RequestValidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "missing to", body: `{"from":"a@example.com"}`, wantField: "to"},
		{name: "empty to", body: `{"from":"a@example.com","to":[]}`, wantField: "to"},
		{name: "blank recipient", body: `{"from":"a@example.com","to":["b@x.com",""]}`, wantField: "to[1]"},
		{name: "missing from", body: `{"to":"b@x.com"}`, wantField: "from"},
		{name: "bad attachment", body: `{"from":"a@example.com","to":"b@x.com","attachments":[{"filename":"f","content":"***"}]}`, wantField: "attachments[0].content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockEmailService{}
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/emails", strings.NewReader(tt.body)), 1)
			rec := httptest.NewRecorder()

			SendEmailHandler(svc).ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Code != "validation" {
				t.Errorf("code = %q", body.Code)
			}
			if _, ok := body.Fields[tt.wantField]; !ok {
				t.Errorf("fields = %v, want %q", body.Fields, tt.wantField)
			}
			if svc.submitted != nil {
				t.Error("service called for invalid request")
			}
		})
	}
}

func TestSendEmailHandler_InvalidJSON(t *testing.T) {
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/emails", strings.NewReader("{")), 1)
	rec := httptest.NewRecorder()
	SendEmailHandler(&mockEmailService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSendEmailHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantScope  string
	}{
		{"validation", &dispatch.Error{Kind: dispatch.KindValidation, Message: "invalid sending domain"}, http.StatusBadRequest, "validation", ""},
		{"rate limited", &dispatch.Error{Kind: dispatch.KindRateLimited, Message: "slow down", Scope: "x.com"}, http.StatusTooManyRequests, "rate_limited", "x.com"},
		{"dispatch failure", &dispatch.Error{Kind: dispatch.KindDispatchFailure, Message: "enqueue delivery job", Err: errors.New("redis down")}, http.StatusInternalServerError, "dispatch_failure", ""},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "internal", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockEmailService{submitErr: tt.err}
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/emails",
				strings.NewReader(`{"from":"a@example.com","to":"b@x.com","subject":"s","text":"t"}`)), 1)
			rec := httptest.NewRecorder()

			SendEmailHandler(svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantCode || body.Scope != tt.wantScope {
				t.Errorf("body = %+v", body)
			}
			if tt.wantCode == "internal" && body.Error != "internal server error" {
				t.Errorf("internal error leaked: %q", body.Error)
			}
		})
	}
}

func TestSendEmailHandler_RequiresPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/emails", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	SendEmailHandler(&mockEmailService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestGetEmailHandler(t *testing.T) {
	own := &message.Message{ID: uuid.New(), TeamID: 1, From: "a@example.com", To: []string{"b@x.com"}, Status: message.StatusScheduled}
	other := &message.Message{ID: uuid.New(), TeamID: 2, Status: message.StatusQueued}
	svc := &mockEmailService{messages: map[uuid.UUID]*message.Message{own.ID: own, other.ID: other}}

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"own message", own.ID.String(), http.StatusOK},
		{"other team", other.ID.String(), http.StatusNotFound},
		{"unknown", uuid.NewString(), http.StatusNotFound},
		{"malformed", "not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), 1), "id", tt.id)
			rec := httptest.NewRecorder()
			GetEmailHandler(svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp emailResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.ID != own.ID || resp.Status != message.StatusScheduled {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestListEmailEventsHandler(t *testing.T) {
	own := &message.Message{ID: uuid.New(), TeamID: 1, Status: message.StatusCancelled}
	svc := &mockEmailService{
		messages: map[uuid.UUID]*message.Message{own.ID: own},
		events:   []message.Event{{MessageID: own.ID, Status: message.StatusCancelled}},
	}

	req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), 1), "id", own.ID.String())
	rec := httptest.NewRecorder()
	ListEmailEventsHandler(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data []eventResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Status != message.StatusCancelled {
		t.Errorf("events = %+v", resp.Data)
	}
}

func TestUpdateEmailHandler(t *testing.T) {
	own := &message.Message{ID: uuid.New(), TeamID: 1, Status: message.StatusScheduled}

	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
	}{
		{"reschedule", `{"scheduledAt":"2030-05-01T10:00:00Z"}`, nil, http.StatusOK},
		{"missing time", `{}`, nil, http.StatusBadRequest},
		{"bad time", `{"scheduledAt":"tomorrow"}`, nil, http.StatusBadRequest},
		{"already sent", `{"scheduledAt":"2030-05-01T10:00:00Z"}`, &dispatch.Error{Kind: dispatch.KindAlreadyProcessed, Message: "message is SENT"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockEmailService{messages: map[uuid.UUID]*message.Message{own.ID: own}, rescheduleErr: tt.svcErr}
			req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(tt.body)), 1), "id", own.ID.String())
			rec := httptest.NewRecorder()
			UpdateEmailHandler(svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.name == "reschedule" && (svc.rescheduledAt == nil || svc.rescheduledAt.Month() != time.May) {
				t.Errorf("rescheduledAt = %v", svc.rescheduledAt)
			}
		})
	}
}

func TestCancelEmailHandler(t *testing.T) {
	own := &message.Message{ID: uuid.New(), TeamID: 1, Status: message.StatusScheduled}
	other := &message.Message{ID: uuid.New(), TeamID: 9, Status: message.StatusScheduled}
	svc := &mockEmailService{messages: map[uuid.UUID]*message.Message{own.ID: own, other.ID: other}}

	req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodPost, "/", nil), 1), "id", own.ID.String())
	rec := httptest.NewRecorder()
	CancelEmailHandler(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req = withURLParam(withPrincipal(httptest.NewRequest(http.MethodPost, "/", nil), 1), "id", other.ID.String())
	rec = httptest.NewRecorder()
	CancelEmailHandler(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel of another team's message: status = %d, want 404", rec.Code)
	}

	if len(svc.cancelled) != 1 || svc.cancelled[0] != own.ID {
		t.Errorf("cancelled = %v", svc.cancelled)
	}
}

func TestAddressList_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{`"a@x.com"`, 1},
		{`["a@x.com","b@x.com"]`, 2},
		{`[]`, 0},
	}
	for _, tt := range tests {
		var l addressList
		if err := json.Unmarshal([]byte(tt.in), &l); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
		}
		if len(l) != tt.want {
			t.Errorf("Unmarshal(%s) = %v", tt.in, l)
		}
	}
	var l addressList
	if err := json.Unmarshal([]byte(`42`), &l); err == nil {
		t.Error("expected error for a number")
	}
}
