package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultMaxResponseSize is the largest response body FetchJSON will read (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// errorPreviewSize caps how much of an error body is kept on HTTPError.
	errorPreviewSize = 1024
)

// HTTPClient is the subset of *http.Client that FetchJSON needs. Tests can
// substitute their own implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPError is returned by FetchJSON for non-200 responses.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is a preview of the response body.
	Body string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError reports whether err is an HTTPError with the given status code.
// A statusCode of 0 matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// FetchOption configures a FetchJSON request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method          string
	headers         http.Header
	maxResponseSize int64
	basicUser       string
	basicPassword   string
	hasBasicAuth    bool
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		method:          http.MethodGet,
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// WithMethod sets the HTTP method for the request.
func WithMethod(method string) FetchOption {
	return func(opts *fetchOptions) {
		opts.method = method
	}
}

// WithHeader sets a single header on the request.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithBasicAuth sends the credentials with the request.
func WithBasicAuth(username, password string) FetchOption {
	return func(opts *fetchOptions) {
		opts.basicUser = username
		opts.basicPassword = password
		opts.hasBasicAuth = true
	}
}

// WithMaxResponseSize overrides the response body size cap.
func WithMaxResponseSize(size int64) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxResponseSize = size
	}
}

// FetchJSON performs an HTTP request and decodes the JSON response body into
// T. Non-200 responses come back as an *HTTPError carrying a body preview.
func FetchJSON[T any](ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) (T, error) {
	var data T

	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, nil)
	if err != nil {
		return data, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if options.hasBasicAuth {
		req.SetBasicAuth(options.basicUser, options.basicPassword)
	}

	resp, err := client.Do(req)
	if err != nil {
		return data, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return data, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > errorPreviewSize {
			preview = preview[:errorPreviewSize]
		}
		return data, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       preview,
			URL:        requestURL,
		}
	}

	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return data, nil
}
