// Package delivery posts captured submissions to the remote write endpoint.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
)

const (
	component = "delivery"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 512
)

// Deliverer sends one payload to the write endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, payload json.RawMessage) (Result, error)
}

// Result describes a successful delivery.
type Result struct {
	Status   int
	Duration time.Duration
}

// Config captures the write endpoint settings.
type Config struct {
	BaseURL   string
	WritePath string
	// RequestTimeout bounds each POST. Zero applies the default; a negative value disables the bound.
	RequestTimeout      time.Duration
	DeliveriesPerSecond float64
	Headers             map[string]string
	HTTPClient          *http.Client
}

// Client is the HTTP Deliverer. The payload is sent as-is; no idempotency key
// or sequence number is attached, so a resend is indistinguishable from a new submission.
type Client struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	limiter  *rate.Limiter
	client   *http.Client
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("upstream base url required"))
	}
	endpoint, err := url.JoinPath(base, cfg.WritePath)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid write endpoint"), errs.WithCause(err))
	}
	timeout := cfg.RequestTimeout
	switch {
	case timeout == 0:
		timeout = defaultRequestTimeout
	case timeout < 0:
		timeout = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       0,
		}
	}
	var limiter *rate.Limiter
	if cfg.DeliveriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DeliveriesPerSecond), 1)
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if key := strings.TrimSpace(k); key != "" {
			headers[key] = v
		}
	}
	return &Client{endpoint: endpoint, headers: headers, timeout: timeout, limiter: limiter, client: client}, nil
}

// Endpoint returns the resolved write URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Deliver POSTs payload. A 2xx response is success. A 4xx response returns an
// errs.CodeValidation error; every other outcome returns errs.CodeTransient.
func (c *Client) Deliver(ctx context.Context, payload json.RawMessage) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, errs.New(component, errs.CodeTransient,
				errs.WithMessage("delivery pacing interrupted"), errs.WithCause(err))
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		telemetry.RecordDelivery(ctx, 0, elapsed)
		return Result{}, errs.New(component, errs.CodeTransient,
			errs.WithMessage("write endpoint unreachable"),
			errs.WithField("endpoint", c.endpoint),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	telemetry.RecordDelivery(ctx, resp.StatusCode, elapsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{Status: resp.StatusCode, Duration: elapsed}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithField("endpoint", c.endpoint),
		errs.WithCause(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))),
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		opts = append(opts,
			errs.WithMessage("write endpoint rejected payload"),
			errs.WithRemediation("correct the submission before resending"))
		return Result{}, errs.New(component, errs.CodeValidation, opts...)
	}
	opts = append(opts, errs.WithMessage("write endpoint returned "+strconv.Itoa(resp.StatusCode)))
	return Result{}, errs.New(component, errs.CodeTransient, opts...)
}

var _ Deliverer = (*Client)(nil)
