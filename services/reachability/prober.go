// Package reachability answers a single question: does a server endpoint
// respond to an authenticated identity request within a short deadline.
package reachability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each probe regardless of the HTTP client's own timeout.
const DefaultTimeout = 3 * time.Second

// Prober checks endpoints by fetching <uri>/identity.
type Prober struct {
	httpClient *http.Client
	timeout    time.Duration
	headers    http.Header
	log        *slog.Logger
}

type Option func(*Prober)

// WithTimeout overrides the per-probe deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHeaders adds headers (client identification) to every probe.
func WithHeaders(h http.Header) Option {
	return func(p *Prober) { p.headers = h.Clone() }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

func New(httpClient *http.Client, opts ...Option) *Prober {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	p := &Prober{
		httpClient: httpClient,
		timeout:    DefaultTimeout,
		log:        slog.Default().With("component", "reachability"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe reports whether uri answered with a 2xx before the deadline. Any
// failure, including a malformed uri, is reported as false.
func (p *Prober) Probe(ctx context.Context, uri, token string) bool {
	target, err := url.Parse(strings.TrimRight(uri, "/") + "/identity")
	if err != nil || target.Host == "" {
		return false
	}
	if token != "" {
		q := target.Query()
		q.Set("X-Plex-Token", token)
		target.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Debug("probe failed", "uri", uri, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.log.Debug("probe finished", "uri", uri, "status", resp.StatusCode, "reachable", ok, "elapsed", time.Since(start))
	return ok
}
