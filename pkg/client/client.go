// Package client is a typed Go client for the flightcover HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/api"
)

// APIError is returned for non-2xx responses. It carries the problem
// document when the server sent one.
type APIError struct {
	Status int
	Title  string
	Detail string
	Field  string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("flightcover api %d", e.Status)
	}
	return fmt.Sprintf("flightcover api %d: %s", e.Status, e.Detail)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var problem api.ProblemDetail
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&problem); err == nil {
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
			apiErr.Field = problem.Field
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreatePolicy(ctx context.Context, req api.CreatePolicyRequest) (api.PolicyView, error) {
	var out api.PolicyView
	err := c.do(ctx, http.MethodPost, "/v1/policies", req, &out)
	return out, err
}

// GetPolicy accepts the hex or decimal form of a policy id.
func (c *Client) GetPolicy(ctx context.Context, id string) (api.PolicyView, error) {
	var out api.PolicyView
	err := c.do(ctx, http.MethodGet, "/v1/policies/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListActive(ctx context.Context) ([]api.PolicyView, error) {
	var out struct {
		Policies []api.PolicyView `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/policies", nil, &out)
	return out.Policies, err
}

// ListDue returns active policies whose expected arrival is at or before
// asOf. A zero asOf uses the server clock.
func (c *Client) ListDue(ctx context.Context, asOf time.Time) ([]api.PolicyView, error) {
	path := "/v1/policies/due"
	if !asOf.IsZero() {
		path += "?as_of=" + url.QueryEscape(asOf.UTC().Format(time.RFC3339))
	}
	var out struct {
		Policies []api.PolicyView `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Policies, err
}

func (c *Client) Resolve(ctx context.Context, id string) (api.OutcomeView, error) {
	var out api.OutcomeView
	err := c.do(ctx, http.MethodPost, "/v1/policies/"+url.PathEscape(id)+"/resolve", nil, &out)
	return out, err
}

// Fulfill delivers an oracle answer. Only the configured oracle account
// may call it.
func (c *Client) Fulfill(ctx context.Context, corr uuid.UUID, status int64) (api.ResponseView, error) {
	var out api.ResponseView
	err := c.do(ctx, http.MethodPost, "/v1/oracle/fulfill", api.FulfillRequest{CorrelationID: corr, Status: status}, &out)
	return out, err
}

func (c *Client) OracleParams(ctx context.Context) (api.ParamsBody, error) {
	var out api.ParamsBody
	err := c.do(ctx, http.MethodGet, "/v1/oracle/params", nil, &out)
	return out, err
}

func (c *Client) SetOracleParams(ctx context.Context, p api.ParamsBody) (api.ParamsBody, error) {
	var out api.ParamsBody
	err := c.do(ctx, http.MethodPut, "/v1/oracle/params", p, &out)
	return out, err
}

// Health returns nil when the server answers /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
