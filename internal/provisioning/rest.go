package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudimages/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
)

// apiError is a non-2xx answer of a REST provider API.
type apiError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, logging.TruncateN(strings.TrimSpace(e.Body), 200))
}

func isHTTPNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// restClient is a small JSON client for providers without a Go SDK.
type restClient struct {
	baseURL   *url.URL
	http      *retryablehttp.Client
	decorate  func(*retryablehttp.Request)
	component string
}

func newRESTClient(component, baseURL string, decorate func(*retryablehttp.Request)) (*restClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s API URL %q", component, baseURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 60 * time.Second
	client.Logger = logging.Leveled(component)
	client.CheckRetry = noRetryOnPostPolicy

	return &restClient{baseURL: u, http: client, decorate: decorate, component: component}, nil
}

// noRetryOnPostPolicy keeps the default policy but never replays a POST the
// server answered, so a slow create cannot start two instances.
func noRetryOnPostPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPost {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// do sends a request with an optional JSON body and decodes a JSON answer
// into out when out is non-nil.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.component, err)
		}
	}

	var reqBody interface{}
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", c.component, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.decorate != nil {
		c.decorate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s API: %w", c.component, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", c.component, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Method: method, URL: u.Redacted(), StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.component, err)
	}
	return nil
}
