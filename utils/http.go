package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	HTTPTimeout = 30 * time.Second
	MaxRetries  = 3
	BaseBackoff = 100 * time.Millisecond
)

// APIError is the normalized failure of a REST call. Status is zero for
// transport-level failures.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// AsAPIError returns the first APIError in err's chain, or nil.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// errorBody is the backend's JSON error shape.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// NewHTTPClient creates an HTTP client for the backend.
func NewHTTPClient(insecure bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Timeout: HTTPTimeout, Transport: tr}
}

// DoAPI sends an HTTP request and validates that the response is 2xx.
// url must be a fully-formed URL (e.g., "http://localhost:8888/api/v1/hosts").
// Returns the response body on success. For 204 No Content the body is nil.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(ctx, method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(method, url, resp.StatusCode, rb)
	}
	if resp.StatusCode == http.StatusNoContent || len(rb) == 0 {
		return nil, nil
	}
	return rb, nil
}

// DecodeJSON unmarshals a success body into out. Empty and non-JSON bodies
// are not errors; out is left untouched.
func DecodeJSON(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		return nil
	}
	return json.Unmarshal(body, out)
}

func transportError(ctx context.Context, method, url string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s %s: %w", method, url, ctx.Err())
	}
	code := CodeNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		code = CodeTimeout
	}
	return &APIError{
		Code:    code,
		Message: fmt.Sprintf("%s %s: %v", method, url, err),
		Err:     err,
	}
}

func responseError(method, url string, status int, rb []byte) *APIError {
	ae := &APIError{Status: status, Code: CodeForStatus(status)}
	var eb errorBody
	if json.Unmarshal(rb, &eb) == nil {
		if eb.Code != "" {
			ae.Code = eb.Code
		}
		ae.Message = eb.Message
		if ae.Message == "" {
			ae.Message = eb.Error
		}
		ae.Details = eb.Details
	}
	if ae.Message == "" {
		text := strings.TrimSpace(string(rb))
		if text == "" {
			text = http.StatusText(status)
		}
		ae.Message = fmt.Sprintf("%s %s → %d: %s", method, url, status, text)
	}
	return ae
}

// CodeForStatus maps an HTTP status to the backend's error code vocabulary.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusTooManyRequests:
		return CodeRateLimit
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return CodeTimeout
	}
	if status >= 500 {
		return CodeInternal
	}
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

// RetryPolicy controls DoWithRetry. Zero fields take package defaults.
type RetryPolicy struct {
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
}

// DoWithRetry retries fn with exponential backoff for transient errors.
func DoWithRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = MaxRetries
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	bo := p.Backoff
	if bo.Base <= 0 {
		bo.Base = BaseBackoff
	}
	var lastErr error
	for i := 0; i <= attempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if i < attempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(bo.Delay(i)):
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors: transport failures,
// timeouts and backend-side faults.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		// Non-APIError = connection-level failure, always retry.
		return true
	}
	switch ae.Code {
	case CodeNetwork, CodeTimeout, CodeServiceUnavailable,
		CodeInternal, CodeDependency, CodeLibvirt, CodeDatabase:
		return true
	}
	return ae.Status >= 500
}
