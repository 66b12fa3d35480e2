package provider

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
)

func TestBuildMIME(t *testing.T) {
	raw, err := BuildMIME(&Message{
		From:     "sender@example.com",
		To:       []string{"a@example.com"},
		BCC:      []string{"hidden@example.com"},
		Subject:  "Grüße",
		TextBody: "plain",
		HTMLBody: "<p>html</p>",
		Headers:  map[string]string{"x-campaign": "q3"},
		Attachments: []Attachment{
			{Filename: "a.csv", ContentType: "text/csv", Content: []byte("a,b\n1,2\n")},
		},
	})
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	if bytes.Contains(raw, []byte("hidden@example.com")) {
		t.Error("BCC leaked into headers")
	}

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	dec := new(mime.WordDecoder)
	if subject, _ := dec.DecodeHeader(m.Header.Get("Subject")); subject != "Grüße" {
		t.Errorf("Subject = %q", subject)
	}
	if m.Header.Get("X-Campaign") != "q3" {
		t.Errorf("custom header = %q", m.Header.Get("X-Campaign"))
	}

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q, %v", mediaType, err)
	}
	r := multipart.NewReader(m.Body, params["boundary"])

	body, err := r.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body.Header.Get("Content-Type"), "multipart/alternative") {
		t.Errorf("first part = %q, want multipart/alternative", body.Header.Get("Content-Type"))
	}

	att, err := r.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	if att.FileName() != "a.csv" {
		t.Errorf("attachment filename = %q", att.FileName())
	}
	content, _ := io.ReadAll(att)
	if len(content) == 0 {
		t.Error("attachment part is empty")
	}
	if _, err := r.NextPart(); err != io.EOF {
		t.Errorf("expected two parts, got more (%v)", err)
	}
}
