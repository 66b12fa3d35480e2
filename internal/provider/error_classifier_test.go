package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantNil    bool
		wantCode   string
		wantPerm   bool
	}{
		{name: "2xx", statusCode: 202, wantNil: true},
		{name: "message rejected", statusCode: 400, body: `{"__type":"MessageRejected","message":"Email address is not verified."}`, wantCode: "MessageRejected", wantPerm: true},
		{name: "namespaced type", statusCode: 400, body: `{"__type":"com.amazonaws.sesv2#MailFromDomainNotVerifiedException"}`, wantCode: "MailFromDomainNotVerified", wantPerm: true},
		{name: "throttled", statusCode: 429, body: `{"__type":"TooManyRequestsException"}`, wantCode: "TooManyRequests"},
		{name: "limit exceeded on 400", statusCode: 400, body: `{"__type":"LimitExceededException"}`, wantCode: "LimitExceeded"},
		{name: "suspended on 500", statusCode: 500, body: `{"__type":"AccountSuspendedException"}`, wantCode: "AccountSuspended", wantPerm: true},
		{name: "unknown type uses status", statusCode: 503, body: `{"__type":"SomethingNew"}`, wantCode: "SomethingNew"},
		{name: "plain 400", statusCode: 400, body: "bad", wantPerm: true},
		{name: "plain 403", statusCode: 403, wantPerm: true},
		{name: "plain 408", statusCode: 408},
		{name: "plain 500", statusCode: 500, body: "internal failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := ClassifyHTTPError("ses", tt.statusCode, tt.body)
			if tt.wantNil {
				if pe != nil {
					t.Fatalf("ClassifyHTTPError() = %v, want nil", pe)
				}
				return
			}
			if pe == nil {
				t.Fatal("ClassifyHTTPError() = nil, want error")
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", pe.Code, tt.wantCode)
			}
			if pe.Permanent != tt.wantPerm {
				t.Errorf("Permanent = %v, want %v", pe.Permanent, tt.wantPerm)
			}
			if pe.StatusCode != tt.statusCode || pe.Provider != "ses" {
				t.Errorf("error = %+v", pe)
			}
		})
	}
}

func TestClassifyHTTPError_UsesPayloadMessage(t *testing.T) {
	pe := ClassifyHTTPError("ses", 400, `{"__type":"MessageRejected","message":"not verified"}`)
	if got := pe.Error(); got != "ses: MessageRejected: not verified" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("dial tcp: timeout"), false},
		{"permanent", &ProviderError{Permanent: true}, true},
		{"transient", &ProviderError{}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", &ProviderError{Permanent: true}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}
