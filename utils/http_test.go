package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- APIError ---

func TestAPIError_Error(t *testing.T) {
	ae := &APIError{Status: 500, Code: CodeInternal, Message: "internal"}
	assert.Equal(t, "internal", ae.Error())

	ae = &APIError{Code: CodeNetwork}
	assert.Equal(t, CodeNetwork, ae.Error())
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("dial refused")
	ae := &APIError{Code: CodeNetwork, Err: inner}
	assert.ErrorIs(t, ae, inner)
}

func TestAsAPIError_Wrapped(t *testing.T) {
	err := fmt.Errorf("list hosts: %w", &APIError{Status: 404, Code: CodeHostNotFound})
	ae := AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, CodeHostNotFound, ae.Code)
	assert.Equal(t, CodeHostNotFound, ErrorCode(err))
	assert.Nil(t, AsAPIError(errors.New("plain")))
	assert.Empty(t, ErrorCode(errors.New("plain")))
}

// --- DoAPI ---

func TestDoAPI_Success_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`[{"id":"h1"}]`))
	}))
	defer srv.Close()

	body, err := DoAPI(t.Context(), srv.Client(), http.MethodGet, srv.URL+"/hosts", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"h1"}]`, string(body))
}

func TestDoAPI_Created_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"h1"}`))
	}))
	defer srv.Close()

	body, err := DoAPI(t.Context(), srv.Client(), http.MethodPost, srv.URL+"/hosts", []byte(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}

func TestDoAPI_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := DoAPI(t.Context(), srv.Client(), http.MethodPost, srv.URL+"/hosts/h1/connect", nil)
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestDoAPI_WithBody_SetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"state":"ACTIVE"}`, string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := DoAPI(t.Context(), srv.Client(), http.MethodPut, srv.URL+"/state", []byte(`{"state":"ACTIVE"}`))
	require.NoError(t, err)
}

func TestDoAPI_BackendErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"VM_BUSY","message":"vm is busy","details":"task REBOOTING","request_id":"r1"}`))
	}))
	defer srv.Close()

	_, err := DoAPI(t.Context(), srv.Client(), http.MethodPost, srv.URL+"/start", nil)
	ae := AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, http.StatusConflict, ae.Status)
	assert.Equal(t, CodeVMBusy, ae.Code)
	assert.Equal(t, "vm is busy", ae.Message)
	assert.Equal(t, "task REBOOTING", ae.Details)
}

func TestDoAPI_PlainErrorBody_FallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := DoAPI(t.Context(), srv.Client(), http.MethodGet, srv.URL+"/x", nil)
	ae := AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, CodeNotFound, ae.Code)
	assert.Contains(t, ae.Message, "404")
	assert.Contains(t, ae.Message, "nope")
}

func TestDoAPI_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := DoAPI(t.Context(), http.DefaultClient, http.MethodGet, url, nil)
	ae := AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, CodeNetwork, ae.Code)
	assert.Zero(t, ae.Status)
}

func TestDoAPI_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := DoAPI(ctx, srv.Client(), http.MethodGet, srv.URL, nil)
	assert.Equal(t, CodeTimeout, ErrorCode(err))
}

func TestDoAPI_ContextCanceled_NotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := DoAPI(ctx, srv.Client(), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestDoAPI_InvalidURL(t *testing.T) {
	_, err := DoAPI(t.Context(), http.DefaultClient, http.MethodGet, "://bad", nil)
	assert.Error(t, err)
}

// --- DecodeJSON ---

func TestDecodeJSON_EmptyAndNonJSON(t *testing.T) {
	var out map[string]any
	require.NoError(t, DecodeJSON(nil, &out))
	require.NoError(t, DecodeJSON([]byte("OK"), &out))
	assert.Nil(t, out)

	require.NoError(t, DecodeJSON([]byte(`{"ok":true}`), &out))
	assert.Equal(t, true, out["ok"])
}

// --- CodeForStatus ---

func TestCodeForStatus(t *testing.T) {
	cases := map[int]string{
		400: CodeBadRequest,
		401: CodeUnauthorized,
		403: CodeForbidden,
		404: CodeNotFound,
		409: CodeConflict,
		422: CodeValidation,
		429: CodeRateLimit,
		500: CodeInternal,
		502: CodeInternal,
		503: CodeServiceUnavailable,
		504: CodeTimeout,
		418: "I'M_A_TEAPOT",
	}
	for status, want := range cases {
		assert.Equal(t, want, CodeForStatus(status), "status %d", status)
	}
}

// --- DoWithRetry ---

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}}
}

func TestDoWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := DoWithRetry(t.Context(), fastPolicy(), func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	v, err := DoWithRetry(t.Context(), fastPolicy(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &APIError{Status: 503, Code: CodeServiceUnavailable}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoWithRetry_ExhaustedRetries(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(t.Context(), fastPolicy(), func() (int, error) {
		calls++
		return 0, &APIError{Code: CodeNetwork}
	})
	assert.Equal(t, CodeNetwork, ErrorCode(err))
	assert.Equal(t, 4, calls)
}

func TestDoWithRetry_NonRetryableError_StopsImmediately(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(t.Context(), fastPolicy(), func() (int, error) {
		calls++
		return 0, &APIError{Status: 400, Code: CodeValidation}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_CustomRetryable(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(error) bool { return false }
	calls := 0
	_, _ = DoWithRetry(t.Context(), p, func() (int, error) {
		calls++
		return 0, &APIError{Code: CodeNetwork}
	})
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_ContextCanceled_DuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	p := RetryPolicy{Attempts: 3, Backoff: Backoff{Base: time.Second}}
	calls := 0
	_, err := DoWithRetry(ctx, p, func() (int, error) {
		calls++
		cancel()
		return 0, &APIError{Code: CodeNetwork}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// --- IsRetryable ---

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{Code: CodeNetwork}))
	assert.True(t, IsRetryable(&APIError{Code: CodeTimeout}))
	assert.True(t, IsRetryable(&APIError{Status: 500, Code: CodeLibvirt}))
	assert.True(t, IsRetryable(&APIError{Status: 502, Code: "BAD_GATEWAY"}))
	assert.True(t, IsRetryable(errors.New("connection reset")))

	assert.False(t, IsRetryable(&APIError{Status: 409, Code: CodeVMBusy}))
	assert.False(t, IsRetryable(&APIError{Status: 429, Code: CodeRateLimit}))
	assert.False(t, IsRetryable(&APIError{Status: 404, Code: CodeHostNotFound}))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestIsRetryable_WrappedAPIError(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &APIError{Status: 503, Code: CodeServiceUnavailable})
	assert.True(t, IsRetryable(err))
}
