package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPTransport posts requests as JSON to an oracle gateway. The gateway
// answers asynchronously on the fulfill endpoint of the API.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	token    string
}

// NewHTTPTransport creates a transport sending at most r requests per
// second with bursts of b.
func NewHTTPTransport(endpoint string, r rate.Limit, b int) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxConnsPerHost:     5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(r, b),
	}
}

// WithBearerToken authenticates outbound requests.
func (t *HTTPTransport) WithBearerToken(token string) *HTTPTransport {
	t.token = token
	return t
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("oracle rate limit: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.CorrelationID.String())
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("oracle request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// RecordingTransport keeps every request in memory. The lite server uses it
// when no gateway is configured; tests use it to capture correlation ids.
type RecordingTransport struct {
	mu   sync.Mutex
	sent []Request
	err  error
}

// FailWith makes every following Send return err. nil restores delivery.
func (r *RecordingTransport) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *RecordingTransport) Send(ctx context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, req)
	return nil
}

// Sent returns a copy of the delivered requests.
func (r *RecordingTransport) Sent() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.sent...)
}

// Last returns the most recent request.
func (r *RecordingTransport) Last() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Request{}, false
	}
	return r.sent[len(r.sent)-1], true
}
