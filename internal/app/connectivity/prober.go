package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/observability"
)

const (
	defaultProbeInterval   = 30 * time.Second
	defaultProbeTimeout    = 5 * time.Second
	defaultMaxProbeBackoff = 2 * time.Minute
)

// ProberConfig configures reachability probing.
type ProberConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
	Logger     observability.Logger
}

// Prober stands in for the platform's network signal: it issues HEAD requests
// against a probe URL. Any HTTP response counts as reachable.
type Prober struct {
	url        string
	interval   time.Duration
	timeout    time.Duration
	maxBackoff time.Duration
	client     *http.Client
	logger     observability.Logger
}

// NewProber validates cfg and applies defaults.
func NewProber(cfg ProberConfig) (*Prober, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errs.New("connectivity", errs.CodeInvalid, errs.WithMessage("probe url required"))
	}
	p := &Prober{
		url:        url,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		maxBackoff: cfg.MaxBackoff,
		client:     cfg.HTTPClient,
		logger:     observability.Or(cfg.Logger),
	}
	if p.interval <= 0 {
		p.interval = defaultProbeInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultProbeTimeout
	}
	if p.maxBackoff <= 0 {
		p.maxBackoff = defaultMaxProbeBackoff
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 0}
	}
	return p, nil
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("build probe request", observability.F("err", err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", observability.F("url", p.url), observability.F("err", err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

// Initial returns the start-of-context report.
func (p *Prober) Initial(ctx context.Context) bool {
	return p.Probe(ctx)
}

// Run feeds m until ctx ends. While online it re-probes every interval; while
// offline it re-probes with exponential backoff capped at the max backoff.
func (p *Prober) Run(ctx context.Context, m *Monitor) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = p.maxBackoff
	if retry.InitialInterval > p.maxBackoff {
		retry.InitialInterval = p.maxBackoff
	}

	for {
		wait := p.interval
		if !m.IsOnline() {
			wait = retry.NextBackOff()
			if wait == backoff.Stop {
				wait = p.maxBackoff
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if online {
			retry.Reset()
		}
		m.Set(ctx, online)
	}
}
