package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	sesDefaultEndpointFmt = "https://email.%s.amazonaws.com"
	sesSendPath           = "/v2/email/outbound-emails"
	sesAccountPath        = "/v2/email/account"
)

// SES implements Provider for the AWS SES v2 API. Messages without
// attachments are sent as Simple content; messages with attachments are
// sent as a raw MIME document.
type SES struct {
	region           string
	endpoint         string
	configurationSet string
	client           HTTPClient
}

// NewSES creates an SES provider. client is expected to sign requests.
func NewSES(cfg Config, client HTTPClient) *SES {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(sesDefaultEndpointFmt, cfg.Region)
	}
	return &SES{
		region:           cfg.Region,
		endpoint:         endpoint,
		configurationSet: cfg.ConfigurationSet,
		client:           client,
	}
}

func (s *SES) Name() string { return "ses" }

// Send delivers a message via the SES v2 SendEmail API.
func (s *SES) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	payload, err := s.buildPayload(msg)
	if err != nil {
		return nil, fmt.Errorf("ses: build request: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ses: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method:  http.MethodPost,
		URL:     s.endpoint + sesSendPath,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("ses: send request: %w", err)
	}

	if pe := ClassifyHTTPError("ses", resp.StatusCode, string(resp.Body)); pe != nil {
		return nil, pe
	}

	// The message was accepted; a body without an ID only means feedback
	// cannot be matched to it later.
	var out sesResponse
	_ = json.Unmarshal(resp.Body, &out)
	return &SendResult{
		ProviderMessageID: out.MessageID,
		Timestamp:         time.Now(),
		Metadata: map[string]string{
			"region":      s.region,
			"status_code": fmt.Sprintf("%d", resp.StatusCode),
		},
	}, nil
}

// Ping calls GetAccount.
func (s *SES) Ping(ctx context.Context) error {
	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: http.MethodGet,
		URL:    s.endpoint + sesAccountPath,
	})
	if err != nil {
		return fmt.Errorf("ses: health check request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ses: health check returned status %d", resp.StatusCode)
	}
	return nil
}

type sesPayload struct {
	FromEmailAddress     string         `json:"FromEmailAddress"`
	Destination          sesDestination `json:"Destination"`
	ReplyToAddresses     []string       `json:"ReplyToAddresses,omitempty"`
	Content              sesContent     `json:"Content"`
	ConfigurationSetName string         `json:"ConfigurationSetName,omitempty"`
}

type sesDestination struct {
	ToAddresses  []string `json:"ToAddresses"`
	CcAddresses  []string `json:"CcAddresses,omitempty"`
	BccAddresses []string `json:"BccAddresses,omitempty"`
}

type sesContent struct {
	Simple *sesSimpleContent `json:"Simple,omitempty"`
	Raw    *sesRawContent    `json:"Raw,omitempty"`
}

type sesSimpleContent struct {
	Subject sesBodyPart `json:"Subject"`
	Body    sesBody     `json:"Body"`
}

type sesBody struct {
	Text *sesBodyPart `json:"Text,omitempty"`
	Html *sesBodyPart `json:"Html,omitempty"`
}

type sesBodyPart struct {
	Data    string `json:"Data"`
	Charset string `json:"Charset"`
}

// sesRawContent carries the MIME document; encoding/json base64-encodes
// the bytes as the API expects.
type sesRawContent struct {
	Data []byte `json:"Data"`
}

type sesResponse struct {
	MessageID string `json:"MessageId"`
}

func (s *SES) buildPayload(msg *Message) (sesPayload, error) {
	p := sesPayload{
		FromEmailAddress: msg.From,
		Destination: sesDestination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		ReplyToAddresses:     msg.ReplyTo,
		ConfigurationSetName: s.configurationSet,
	}

	if len(msg.Attachments) > 0 {
		raw, err := BuildMIME(msg)
		if err != nil {
			return sesPayload{}, err
		}
		p.Content.Raw = &sesRawContent{Data: raw}
		return p, nil
	}

	simple := &sesSimpleContent{Subject: utf8Part(msg.Subject)}
	if msg.TextBody != "" {
		part := utf8Part(msg.TextBody)
		simple.Body.Text = &part
	}
	if msg.HTMLBody != "" {
		part := utf8Part(msg.HTMLBody)
		simple.Body.Html = &part
	}
	if simple.Body.Text == nil && simple.Body.Html == nil {
		empty := utf8Part("")
		simple.Body.Text = &empty
	}
	p.Content.Simple = simple
	return p, nil
}

func utf8Part(data string) sesBodyPart {
	return sesBodyPart{Data: data, Charset: "UTF-8"}
}
