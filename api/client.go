package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/recovery"
	"github.com/projecteru2/mancer/utils"
)

// Reporter receives every failed call. *recovery.Center implements it.
type Reporter interface {
	Report(ctx context.Context, op string, scope recovery.Scope, err error) (recovery.Entry, bool)
}

// Client is the REST client of the virtumancer backend.
type Client struct {
	base         string
	hc           *http.Client
	limiter      *rate.Limiter
	readTimeout  time.Duration
	writeTimeout time.Duration
	retries      int
	backoff      utils.Backoff
	reporter     Reporter
}

// New creates a Client from conf. reporter may be nil.
func New(conf *config.Config, reporter Reporter) *Client {
	limit := rate.Inf
	if conf.RequestsPerSecond > 0 {
		limit = rate.Limit(conf.RequestsPerSecond)
	}
	return &Client{
		base:         conf.APIBaseURL(),
		hc:           utils.NewHTTPClient(conf.InsecureSkipVerify),
		limiter:      rate.NewLimiter(limit, max(conf.Burst, 1)),
		readTimeout:  conf.ReadTimeout(),
		writeTimeout: conf.WriteTimeout(),
		retries:      max(conf.ReadRetries, 0),
		backoff:      utils.Backoff{Base: conf.ReconnectBase(), Max: conf.ReconnectMax(), Jitter: true},
		reporter:     reporter,
	}
}

// call describes one REST operation.
type call struct {
	op     string
	method string
	path   string
	in     any
	out    any
	scope  recovery.Scope
}

// Get fetches path into out. Retryable failures are retried.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, call{method: http.MethodGet, path: path, out: out})
}

// Post sends in to path and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, call{method: http.MethodPost, path: path, in: in, out: out})
}

// Put sends in to path and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, call{method: http.MethodPut, path: path, in: in, out: out})
}

// Patch sends in to path and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, call{method: http.MethodPatch, path: path, in: in, out: out})
}

// Delete sends a DELETE with an optional body.
func (c *Client) Delete(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, call{method: http.MethodDelete, path: path, in: in, out: out})
}

func (c *Client) do(ctx context.Context, cl call) error {
	if cl.op == "" {
		cl.op = cl.method + " " + cl.path
	}
	var body []byte
	if cl.in != nil {
		b, err := json.Marshal(cl.in)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", cl.op, err)
		}
		body = b
	}
	target := c.base + cl.path

	attempt := func(timeout time.Duration) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return utils.DoAPI(actx, c.hc, cl.method, target, body)
	}

	var (
		rb  []byte
		err error
	)
	if cl.method == http.MethodGet && c.retries > 0 {
		// Reads follow the per-class retry budget; writes are never retried.
		n := 0
		rb, err = utils.DoWithRetry(ctx, utils.RetryPolicy{
			Attempts: c.retries,
			Backoff:  c.backoff,
			Retryable: func(err error) bool {
				n++
				cls := recovery.Classify(err)
				return cls.Retryable && n <= cls.MaxRetries && ctx.Err() == nil
			},
		}, func() ([]byte, error) { return attempt(c.readTimeout) })
	} else {
		rb, err = attempt(c.writeTimeout)
	}
	if err != nil {
		if c.reporter != nil && ctx.Err() == nil {
			c.reporter.Report(ctx, cl.op, cl.scope, err)
		}
		return fmt.Errorf("%s: %w", cl.op, err)
	}
	if err := utils.DecodeJSON(rb, cl.out); err != nil {
		return fmt.Errorf("%s: decode response: %w", cl.op, err)
	}
	return nil
}

// Health probes GET /health and reports whether the backend answered ok.
// The probe bypasses retries and error reporting.
func (c *Client) Health(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	rb, err := utils.DoAPI(actx, c.hc, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	var resp struct {
		OK *bool `json:"ok"`
	}
	if err := utils.DecodeJSON(rb, &resp); err != nil {
		return err
	}
	if resp.OK != nil && !*resp.OK {
		return &utils.APIError{Status: http.StatusOK, Code: utils.CodeServiceUnavailable, Message: "backend reports not ok"}
	}
	return nil
}

// hostPath builds /hosts/{id}/parts... with escaped segments.
func hostPath(hostID string, parts ...string) string {
	segs := append([]string{"hosts", url.PathEscape(hostID)}, parts...)
	return "/" + strings.Join(segs, "/")
}

// vmPath builds /hosts/{id}/vms/{name}/parts...
func vmPath(hostID, vmName string, parts ...string) string {
	return hostPath(hostID, append([]string{"vms", url.PathEscape(vmName)}, parts...)...)
}
