package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// mockHTTPClient records requests and replays a canned response.
type mockHTTPClient struct {
	resp     *HTTPResponse
	err      error
	requests []*HTTPRequest
}

func (m *mockHTTPClient) Do(_ context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func TestSES_buildPayload_PlainTextOnly(t *testing.T) {
	s := &SES{}
	payload, err := s.buildPayload(&Message{
		From:     "sender@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Test",
		TextBody: "plain text body",
	})
	if err != nil {
		t.Fatal(err)
	}

	if payload.Content.Simple == nil || payload.Content.Raw != nil {
		t.Fatalf("content = %+v, want Simple only", payload.Content)
	}
	if payload.Content.Simple.Body.Text == nil || payload.Content.Simple.Body.Text.Data != "plain text body" {
		t.Errorf("text part = %+v", payload.Content.Simple.Body.Text)
	}
	if payload.Content.Simple.Body.Html != nil {
		t.Error("expected no Html body part for plain text message")
	}
}

func TestSES_buildPayload_HTMLAndText(t *testing.T) {
	s := &SES{configurationSet: "feedback"}
	payload, err := s.buildPayload(&Message{
		From:     "sender@example.com",
		To:       []string{"a@example.com"},
		CC:       []string{"c@example.com"},
		BCC:      []string{"b@example.com"},
		ReplyTo:  []string{"r@example.com"},
		Subject:  "Test",
		TextBody: "text part",
		HTMLBody: "<h1>Hello</h1>",
	})
	if err != nil {
		t.Fatal(err)
	}

	body := payload.Content.Simple.Body
	if body.Text == nil || body.Text.Data != "text part" {
		t.Errorf("text part = %+v", body.Text)
	}
	if body.Html == nil || body.Html.Data != "<h1>Hello</h1>" {
		t.Errorf("html part = %+v", body.Html)
	}
	if payload.Destination.CcAddresses[0] != "c@example.com" || payload.Destination.BccAddresses[0] != "b@example.com" {
		t.Errorf("destination = %+v", payload.Destination)
	}
	if payload.ReplyToAddresses[0] != "r@example.com" || payload.ConfigurationSetName != "feedback" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSES_buildPayload_WithAttachments_UsesRaw(t *testing.T) {
	s := &SES{}
	payload, err := s.buildPayload(&Message{
		From:     "sender@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Test",
		TextBody: "text body",
		HTMLBody: "<p>html</p>",
		Attachments: []Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("PDF content")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if payload.Content.Simple != nil || payload.Content.Raw == nil {
		t.Fatalf("content = %+v, want Raw only", payload.Content)
	}
	if !strings.Contains(string(payload.Content.Raw.Data), `filename=report.pdf`) {
		t.Error("raw document missing attachment")
	}
}

func TestSES_Send(t *testing.T) {
	client := &mockHTTPClient{resp: &HTTPResponse{StatusCode: 200, Body: []byte(`{"MessageId":"0100-abc"}`)}}
	s := NewSES(Config{Region: "eu-west-1"}, client)

	result, err := s.Send(context.Background(), &Message{From: "a@example.com", To: []string{"b@example.com"}, Subject: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.ProviderMessageID != "0100-abc" {
		t.Errorf("ProviderMessageID = %q", result.ProviderMessageID)
	}

	req := client.requests[0]
	if req.URL != "https://email.eu-west-1.amazonaws.com/v2/email/outbound-emails" {
		t.Errorf("URL = %s", req.URL)
	}
	var sent map[string]any
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if sent["FromEmailAddress"] != "a@example.com" {
		t.Errorf("FromEmailAddress = %v", sent["FromEmailAddress"])
	}
}

func TestSES_Send_Errors(t *testing.T) {
	tests := []struct {
		name     string
		client   *mockHTTPClient
		wantPerm bool
	}{
		{
			name:     "rejected",
			client:   &mockHTTPClient{resp: &HTTPResponse{StatusCode: 400, Body: []byte(`{"__type":"MessageRejected"}`)}},
			wantPerm: true,
		},
		{
			name:   "throttled",
			client: &mockHTTPClient{resp: &HTTPResponse{StatusCode: 429, Body: []byte(`{"__type":"TooManyRequestsException"}`)}},
		},
		{
			name:   "transport error",
			client: &mockHTTPClient{err: errors.New("connection reset")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSES(Config{Region: "us-east-1", Endpoint: "http://localhost:4566"}, tt.client)
			_, err := s.Send(context.Background(), &Message{From: "a@example.com", To: []string{"b@example.com"}})
			if err == nil {
				t.Fatal("Send() error = nil")
			}
			if IsPermanent(err) != tt.wantPerm {
				t.Errorf("IsPermanent() = %v, want %v (%v)", IsPermanent(err), tt.wantPerm, err)
			}
		})
	}
}

func TestSES_Ping(t *testing.T) {
	ok := &mockHTTPClient{resp: &HTTPResponse{StatusCode: 200}}
	if err := NewSES(Config{Region: "us-east-1"}, ok).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if ok.requests[0].URL != "https://email.us-east-1.amazonaws.com/v2/email/account" {
		t.Errorf("URL = %s", ok.requests[0].URL)
	}

	bad := &mockHTTPClient{resp: &HTTPResponse{StatusCode: 403}}
	if err := NewSES(Config{Region: "us-east-1"}, bad).Ping(context.Background()); err == nil {
		t.Error("Ping() error = nil, want error")
	}
}
