// Package request is the resilient HTTP layer used for every call against the
// selected media server: bounded retries with exponential backoff and jitter,
// per-attempt timeouts and a one-shot https->http downgrade for relay hosts
// whose certificates can't be verified.
package request

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"yhmv/internal/apperrors"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRelaySuffix = ".plex.direct"

	tokenParam = "X-Plex-Token"
	bindKey    = "bind"
)

// Binding is the server the engine talks to.
type Binding struct {
	BaseURL string
	Token   string
}

// Binder resolves the current server binding, typically from the auth session.
type Binder interface {
	Bind(ctx context.Context) (Binding, error)
}

type BinderFunc func(ctx context.Context) (Binding, error)

func (f BinderFunc) Bind(ctx context.Context) (Binding, error) { return f(ctx) }

// Timer abstracts the wait between attempts so tests can skip real sleeps.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	HTTPClient *http.Client
	// Headers are sent with every request (client identification).
	Headers        http.Header
	Policy         Policy
	DefaultTimeout time.Duration
	// RelaySuffix selects hosts eligible for the https->http downgrade.
	RelaySuffix      string
	DisableDowngrade bool
	Offline          func() bool
	Logger           *slog.Logger
	Timer            Timer
	Jitter           func() float64
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Policy == (Policy{}) {
		c.Policy = DefaultPolicy()
	}
	if c.Policy.MaxRetries < 0 {
		c.Policy.MaxRetries = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RelaySuffix == "" {
		c.RelaySuffix = DefaultRelaySuffix
	}
	if c.Offline == nil {
		c.Offline = func() bool { return false }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Timer == nil {
		c.Timer = realTimer{}
	}
	if c.Jitter == nil {
		c.Jitter = rand.Float64
	}
}

// Engine issues authenticated requests against the bound server.
type Engine struct {
	binder Binder
	cfg    Config
	log    *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	binding *Binding
	gen     uint64
}

func NewEngine(binder Binder, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		binder: binder,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "request"),
	}
}

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string
	URL         string
}

// Decode unmarshals a JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type options struct {
	method  string
	headers http.Header
	timeout time.Duration
	retries *int
}

type Option func(*options)

func WithMethod(method string) Option { return func(o *options) { o.method = method } }

func WithHeaders(h http.Header) Option { return func(o *options) { o.headers = h } }

func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithRetries overrides Policy.MaxRetries for one call; 0 means one attempt.
func WithRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.retries = &n
	}
}

// Initialize resolves the server binding once and caches it until Reset.
// Concurrent callers share a single resolution.
func (e *Engine) Initialize(ctx context.Context) (Binding, error) {
	if e.cfg.Offline() {
		return Binding{}, apperrors.Offline()
	}
	if b, ok := e.cached(); ok {
		return b, nil
	}

	e.mu.RLock()
	gen := e.gen
	e.mu.RUnlock()

	ch := e.group.DoChan(bindKey, func() (any, error) {
		if b, ok := e.cached(); ok {
			return b, nil
		}
		b, err := e.binder.Bind(context.WithoutCancel(ctx))
		if err != nil {
			return Binding{}, err
		}
		b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")

		e.mu.Lock()
		if e.gen == gen {
			e.binding = &b
		}
		e.mu.Unlock()
		e.log.Info("bound to server", "baseURL", b.BaseURL)
		return b, nil
	})

	select {
	case <-ctx.Done():
		return Binding{}, apperrors.Transport(apperrors.CodeAborted, "", ctx.Err(), false)
	case res := <-ch:
		if res.Err != nil {
			return Binding{}, res.Err
		}
		return res.Val.(Binding), nil
	}
}

func (e *Engine) cached() (Binding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.binding == nil {
		return Binding{}, false
	}
	return *e.binding, true
}

// Reset drops the cached binding; the next request re-resolves it.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.binding = nil
	e.gen++
	e.mu.Unlock()
	e.group.Forget(bindKey)
}

// Binding returns the cached binding, if any.
func (e *Engine) Binding() (Binding, bool) { return e.cached() }

// BuildURL joins base and path and sets the token and params on the query.
// Caller params replace existing values of the same key.
func BuildURL(base, token, path string, params url.Values) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperrors.Construction(fmt.Sprintf("invalid base URL %q", base), err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full, err := url.Parse(base + path)
	if err != nil {
		return "", apperrors.Construction(fmt.Sprintf("invalid request path %q", path), err)
	}
	q := full.Query()
	if token != "" {
		q.Set(tokenParam, token)
	}
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	full.RawQuery = q.Encode()
	return full.String(), nil
}

// URL builds a request URL against the cached binding.
func (e *Engine) URL(path string, params url.Values) (string, error) {
	b, ok := e.cached()
	if !ok {
		return "", apperrors.Construction("request engine is not initialized", nil)
	}
	return BuildURL(b.BaseURL, b.Token, path, params)
}

// MediaURL turns a server-relative asset path (thumb, art) into an absolute
// authenticated URL. Absolute URLs and an uninitialized engine return path
// unchanged.
func (e *Engine) MediaURL(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	u, err := e.URL(path, nil)
	if err != nil {
		return path
	}
	return u
}

// Request issues path against the bound server, retrying retryable failures
// according to the policy.
func (e *Engine) Request(ctx context.Context, path string, params url.Values, opts ...Option) (*Response, error) {
	if e.cfg.Offline() {
		return nil, apperrors.Offline()
	}
	b, err := e.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	rawURL, err := BuildURL(b.BaseURL, b.Token, path, params)
	if err != nil {
		return nil, err
	}

	o := options{method: http.MethodGet, timeout: e.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	retries := e.cfg.Policy.MaxRetries
	if o.retries != nil {
		retries = *o.retries
	}

	var (
		attempt    int
		lastErr    error
		downgraded bool
	)
	resp, err := retry.DoWithData(
		func() (*Response, error) {
			target := rawURL
			if attempt > 0 && !downgraded && apperrors.IsTLS(lastErr) {
				if fallback, ok := e.fallbackURL(rawURL); ok {
					e.log.Warn("TLS failure on relay host, retrying over http", "url", redact(rawURL))
					target = fallback
					downgraded = true
				}
			}
			attempt++
			r, err := e.attempt(ctx, o, target)
			lastErr = err
			return r, err
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries+1)),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return e.cfg.Policy.Delay(attempt-1, e.cfg.Jitter())
		}),
		retry.RetryIf(apperrors.IsRetryable),
		retry.LastErrorOnly(true),
		retry.WithTimer(e.cfg.Timer),
		retry.OnRetry(func(n uint, err error) {
			e.log.Debug("request attempt failed", "path", path, "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			err = apperrors.Transport(apperrors.CodeAborted, redact(rawURL), err, false)
		}
		return nil, err
	}
	return resp, nil
}

func (e *Engine) attempt(ctx context.Context, o options, target string) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, o.method, target, nil)
	if err != nil {
		return nil, apperrors.Construction("create request", err)
	}
	e.setHeaders(req, o.headers)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, classify(ctx, redact(target), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, redact(target), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.FromStatus(resp.StatusCode, redact(target), string(body))
	}
	return &Response{
		Status:      resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         target,
	}, nil
}

func (e *Engine) setHeaders(req *http.Request, extra http.Header) {
	req.Header.Set("Accept", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header[k] = v
	}
	for k, v := range extra {
		req.Header[k] = v
	}
}

// fallbackURL returns the http:// variant of an https URL on a relay host.
func (e *Engine) fallbackURL(raw string) (string, bool) {
	if e.cfg.DisableDowngrade {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return "", false
	}
	if !strings.HasSuffix(strings.ToLower(u.Hostname()), e.cfg.RelaySuffix) {
		return "", false
	}
	u.Scheme = "http"
	return u.String(), true
}

// Follow fetches rawURL following redirects and returns the final URL. It is
// not retried.
func (e *Engine) Follow(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	if e.cfg.Offline() {
		return "", apperrors.Offline()
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperrors.Construction("create request", err)
	}
	e.setHeaders(req, nil)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", classify(ctx, redact(rawURL), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.log.Error("follow failed", "status", resp.StatusCode, "body", string(body))
		return "", apperrors.FromStatus(resp.StatusCode, redact(rawURL), string(body))
	}
	return resp.Request.URL.String(), nil
}

// classify maps a transport failure to the taxonomy. Cancellation of the
// caller's context is never retried.
func classify(parent context.Context, target string, err error) error {
	if perr := parent.Err(); perr != nil {
		return apperrors.Transport(apperrors.CodeAborted, target, perr, false)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.Transport(apperrors.CodeTimeout, target, err, true)
	case isTLSError(err):
		return apperrors.Transport(apperrors.CodeTLS, target, err, true)
	case errors.Is(err, context.Canceled):
		return apperrors.Transport(apperrors.CodeAborted, target, err, true)
	default:
		return apperrors.Transport(apperrors.CodeNetwork, target, err, true)
	}
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		headerErr   tls.RecordHeaderError
		alertErr    tls.AlertError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &headerErr) || errors.As(err, &alertErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"tls", "x509", "certificate", "ssl"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// redact hides the token in URLs that end up in errors and logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has(tokenParam) {
		q.Set(tokenParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
