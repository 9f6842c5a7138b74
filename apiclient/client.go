// Package apiclient is the HTTP gateway to the backend API. All module
// calls go through Client; the bearer-token handling lives in Transport so
// callers never touch tokens directly.
package apiclient

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
)

const (
	defaultTimeout = 30 * time.Second

	// Transient failures are retried only for requests that are safe to
	// repeat, with a short capped backoff.
	retryLimit   = 2
	backoffBase  = 300 * time.Millisecond
	backoffLimit = 3 * time.Second
)

var retryMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var retryStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client issues JSON requests against a base URL.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New builds a Client for baseURL. transport normally is a *Transport so
// requests carry bearer tokens; nil uses the default transport, leaving
// every request unauthenticated.
func New(baseURL string, transport http.RoundTripper) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
		},
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	retryable := retryMethods[method]

	var (
		status  int
		resBody []byte
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		status, resBody, lastErr = c.roundTrip(ctx, method, u, payload)

		retry := retryable && attempt < retryLimit &&
			(lastErr != nil || retryStatuses[status])
		if !retry {
			break
		}
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return &NetworkError{Err: err}
		}
	}

	if lastErr != nil {
		return &NetworkError{Err: lastErr}
	}
	if status >= 400 {
		return newAPIError(status, resBody)
	}
	if out == nil || status == http.StatusNoContent || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
	}

	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, err
	}

	return res.StatusCode, b, nil
}

func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffLimit {
		d = backoffLimit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
