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

	"github.com/cuemby/cutover/pkg/api"
	"github.com/cuemby/cutover/pkg/types"
)

// DefaultTimeout bounds requests that do not wait for a release
const DefaultTimeout = 30 * time.Second

// Client talks to the cutover HTTP API
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Error is a non-2xx reply from the API
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 reply
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports whether err is a 409 reply
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusConflict
}

func statusOf(err error) int {
	if e, ok := err.(*Error); ok {
		return e.StatusCode
	}
	return 0
}

// NewClient creates a client for the API at addr. A bare host:port is
// treated as http.
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid API address %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid API address %q: missing host", addr)
	}
	return &Client{baseURL: u, http: &http.Client{}}, nil
}

// Release starts a release of service. With wait set the call blocks until
// the release finishes and the response carries its outcome.
func (c *Client) Release(ctx context.Context, service string, req api.ReleaseRequest, wait bool) (*api.ReleaseResponse, error) {
	path := "/services/" + url.PathEscape(service) + "/release"
	if wait {
		path += "?wait=true"
	}
	var resp api.ReleaseResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp, !wait); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deployment returns a deployment by ID
func (c *Client) Deployment(ctx context.Context, id string) (*types.Deployment, error) {
	var d types.Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), nil, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

// Deployments returns the in-flight deployments
func (c *Client) Deployments(ctx context.Context) ([]*types.Deployment, error) {
	var out []*types.Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve ends the approval wait of a blue/green deployment
func (c *Client) Approve(ctx context.Context, id string) (*types.Deployment, error) {
	var d types.Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(id)+"/approve", nil, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

// Rollback asks a blue/green deployment to roll back
func (c *Client) Rollback(ctx context.Context, id, reason string) (*types.Deployment, error) {
	var d types.Deployment
	body := api.RollbackRequest{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(id)+"/rollback", body, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

// Services lists services
func (c *Client) Services(ctx context.Context) ([]*types.Service, error) {
	var out []*types.Service
	if err := c.do(ctx, http.MethodGet, "/services", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Service returns one service
func (c *Client) Service(ctx context.Context, name string) (*types.Service, error) {
	var s types.Service
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &s, true); err != nil {
		return nil, err
	}
	return &s, nil
}

// Listeners returns the router's bindings
func (c *Client) Listeners(ctx context.Context) ([]types.Listener, error) {
	var out []types.Listener
	if err := c.do(ctx, http.MethodGet, "/listeners", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Pipelines lists configured pipelines
func (c *Client) Pipelines(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/pipelines", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs lists the runs of a pipeline, oldest first
func (c *Client) Runs(ctx context.Context, pipeline string) ([]*types.PipelineRun, error) {
	var out []*types.PipelineRun
	if err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(pipeline)+"/runs", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Run returns a pipeline run
func (c *Client) Run(ctx context.Context, id string) (*types.PipelineRun, error) {
	var run types.PipelineRun
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// Trigger queues a pipeline run for ev
func (c *Client) Trigger(ctx context.Context, pipeline string, ev types.SourceEvent) (*api.TriggerResponse, error) {
	var resp api.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(pipeline)+"/trigger", ev, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends a JSON request and decodes the reply into out. bounded applies
// DefaultTimeout unless ctx already has a deadline.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, bounded bool) error {
	if bounded {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
		}
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.baseURL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
