package circuitbreaker

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a circuit breaker. Responses with
// 5xx status count as failures; 4xx do not trip the breaker because they
// indicate caller errors, not service health.
type HTTPClient struct {
	client  *http.Client
	breaker *Breaker
}

// NewHTTPClient wraps client with a named breaker.
func NewHTTPClient(client *http.Client, name string, config Config, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		client:  client,
		breaker: New(name, config, logger),
	}
}

// Do executes the request through the circuit breaker.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	err := c.breaker.Execute(req.Context(), func() error {
		var execErr error
		resp, execErr = c.client.Do(req)
		if execErr != nil {
			return execErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{status: resp.StatusCode}
		}
		return nil
	})

	// A 5xx response trips the breaker but the caller still gets the
	// response body to inspect.
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Get issues a GET through the breaker.
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// State returns the breaker state.
func (c *HTTPClient) State() State {
	return c.breaker.State()
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server error: HTTP %d", e.status)
}
