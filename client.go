package asynccaller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// BodyBytes returns the response body.
func (r *Response) BodyBytes() []byte { return r.Body }

// StatusError is the error a Client attempt returns for a 5xx response, so
// that server faults are retried with exponential backoff.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asynccaller: HTTP %d on %s %s", e.StatusCode, e.Method, e.URL)
}

// BodyBytes returns the response body.
func (e *StatusError) BodyBytes() []byte { return e.Body }

// ClientOption configures a Client.
type ClientOption func(*Client)

// Client sends HTTP requests through a Caller. Every attempt is a fresh clone
// of the request.
type Client struct {
	caller          *Caller
	httpClient      *http.Client
	baseURL         string
	maxResponseSize int64

	requestHook  func(req *http.Request)
	responseHook func(resp *http.Response)
}

// NewClient returns a Client running its requests on caller.
func NewClient(caller *Caller, opts ...ClientOption) *Client {
	c := &Client{
		caller:          caller,
		maxResponseSize: 10 * 1024 * 1024, // 10 MB
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// WithBaseURL sets the base URL prefix for Get, Post and DoJSON.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the timeout of the default *http.Client. It has no effect
// together with WithHTTPClient.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithMaxResponseSize sets the maximum response body size in bytes.
func WithMaxResponseSize(n int64) ClientOption {
	return func(c *Client) { c.maxResponseSize = n }
}

// WithRequestHook sets a hook called before each attempt is sent.
func WithRequestHook(fn func(req *http.Request)) ClientOption {
	return func(c *Client) { c.requestHook = fn }
}

// WithResponseHook sets a hook called after each response is received.
func WithResponseHook(fn func(resp *http.Response)) ClientOption {
	return func(c *Client) { c.responseHook = fn }
}

// Do sends req through the caller. A 4xx response other than 429 is returned
// together with a *ResponseError.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	var bodyBytes []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("asynccaller: read request body: %w", err)
		}
	}

	resp, err := Do(ctx, c.caller, func(ctx context.Context) (*Response, error) {
		return c.send(ctx, req, bodyBytes)
	})
	if err != nil {
		var re *ResponseError
		if errors.As(err, &re) {
			if r, ok := re.Result.(*Response); ok {
				return r, err
			}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req *http.Request, bodyBytes []byte) (*Response, error) {
	clone := req.Clone(ctx)
	if bodyBytes != nil {
		clone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		clone.ContentLength = int64(len(bodyBytes))
	}
	if c.requestHook != nil {
		c.requestHook(clone)
	}

	resp, err := c.httpClient.Do(clone)
	if err != nil {
		return nil, fmt.Errorf("asynccaller: http request: %w", err)
	}
	defer resp.Body.Close()
	if c.responseHook != nil {
		c.responseHook(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("asynccaller: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &StatusError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Get performs a GET request to baseURL+path.
func (c *Client) Get(ctx context.Context, path string, headers ...map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)
	return c.Do(ctx, req)
}

// Post performs a POST request to baseURL+path with the given body.
func (c *Client) Post(ctx context.Context, path string, contentType string, body io.Reader, headers ...map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	applyHeaders(req, headers)
	return c.Do(ctx, req)
}

// DoJSON marshals reqBody as JSON, sends a request, and unmarshals the
// response into respBody. It returns the final status code.
func (c *Client) DoJSON(ctx context.Context, method, path string, reqBody, respBody any) (int, error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("asynccaller: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		if resp != nil {
			return resp.StatusCode, err
		}
		return 0, err
	}

	if respBody != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("asynccaller: unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func applyHeaders(req *http.Request, headers []map[string]string) {
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
}
