package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// HTTPClient is the transport providers call. Requests are plain values so
// signing and test doubles can inspect them.
type HTTPClient interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// DefaultHTTPClient sends requests with net/http.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a DefaultHTTPClient with the given timeout.
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

func (c *DefaultHTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.send(httpReq)
}

func (c *DefaultHTTPClient) send(httpReq *http.Request) (*HTTPResponse, error) {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func newHTTPRequest(ctx context.Context, req *HTTPRequest) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// SigningClient signs requests with AWS Signature V4 before handing them to
// the wrapped client.
type SigningClient struct {
	next        HTTPClient
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	service     string
	region      string
	now         func() time.Time
}

// NewSigningClient wraps next with SigV4 signing for service in region.
func NewSigningClient(next HTTPClient, credentials aws.CredentialsProvider, service, region string) *SigningClient {
	return &SigningClient{
		next:        next,
		credentials: credentials,
		signer:      v4.NewSigner(),
		service:     service,
		region:      region,
		now:         time.Now,
	}
}

// Do signs req and sends it through the wrapped client.
func (c *SigningClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	creds, err := c.credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve aws credentials: %w", err)
	}

	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(req.Body)
	if err := c.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(sum[:]), c.service, c.region, c.now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	signed := &HTTPRequest{
		Method:  req.Method,
		URL:     req.URL,
		Headers: make(map[string]string, len(httpReq.Header)),
		Body:    req.Body,
	}
	for k := range httpReq.Header {
		signed.Headers[k] = httpReq.Header.Get(k)
	}
	return c.next.Do(ctx, signed)
}
