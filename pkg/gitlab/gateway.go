// Package gitlab is the single chokepoint between the daemon and the GitLab
// REST API (v4): a retrying Gateway with a typed error taxonomy, and the
// resource accessors built on top of it.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/internal/logger"
	"github.com/sgaunet/auto-merge/internal/security"
	"github.com/sgaunet/bullets"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// PageSize is the number of items requested per page by CollectAllPages.
const PageSize = 100

const defaultRequestTimeout = 60 * time.Second

var (
	errEmptyBody = errors.New("response has no body")

	// ErrEmptyBody is returned when decoding a 202/204/304 result.
	ErrEmptyBody = errEmptyBody
)

// Command names one REST call: verb, path relative to /api/v4, and the
// parameters (query string for GET, JSON body otherwise).
type Command struct {
	Method string
	Path   string
	// Params is a struct with `url` tags for GET or `json` tags otherwise.
	Params any
	page   int
}

// Get builds a GET command.
func Get(path string, params any) Command {
	return Command{Method: http.MethodGet, Path: path, Params: params}
}

// Post builds a POST command.
func Post(path string, params any) Command {
	return Command{Method: http.MethodPost, Path: path, Params: params}
}

// Put builds a PUT command.
func Put(path string, params any) Command {
	return Command{Method: http.MethodPut, Path: path, Params: params}
}

// ForPage returns a copy of the command asking for page n of PageSize items.
func (c Command) ForPage(n int) Command {
	c.page = n
	return c
}

func (c Command) String() string {
	if c.page > 0 {
		return fmt.Sprintf("%s %s (page %d)", c.Method, c.Path, c.page)
	}
	return c.Method + " " + c.Path
}

// Result is a successful response.
type Result struct {
	StatusCode int
	Body       []byte
}

// NoContent reports a 202 Accepted or 204 No Content response.
func (r *Result) NoContent() bool {
	return r.StatusCode == http.StatusAccepted || r.StatusCode == http.StatusNoContent
}

// NotModified reports a 304 response.
func (r *Result) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v any) error {
	if r.NoContent() || r.NotModified() || len(bytes.TrimSpace(r.Body)) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// RetryPolicy describes how transient failures are retried: Attempts calls in
// total, waiting Delay after the first failure, then multiplying the delay by
// Backoff and adding a random jitter in [JitterMin, JitterMax] each time.
type RetryPolicy struct {
	Attempts  int
	Delay     time.Duration
	Backoff   float64
	JitterMin time.Duration
	JitterMax time.Duration
}

// DefaultRetryPolicy returns 4 attempts, 20s initial delay, doubling, 3-10s jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  4,
		Delay:     20 * time.Second,
		Backoff:   2,
		JitterMin: 3 * time.Second,
		JitterMax: 10 * time.Second,
	}
}

func (p RetryPolicy) next(delay time.Duration, random func() float64) time.Duration {
	jitter := p.JitterMin
	if span := p.JitterMax - p.JitterMin; span > 0 {
		jitter += time.Duration(random() * float64(span))
	}
	return time.Duration(float64(delay)*p.Backoff) + jitter
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	sudo int64
}

// ActingAs impersonates the given user for this call only. The token owner
// must be an administrator.
func ActingAs(userID int64) CallOption {
	return func(o *callOptions) {
		o.sudo = userID
	}
}

// Gateway performs every call to the platform.
type Gateway struct {
	client *gitlab.Client
	token  security.SecureToken
	clock  clock.Clock
	retry  RetryPolicy
	random func() float64
	log    *bullets.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*gatewayConfig)

type gatewayConfig struct {
	clock          clock.Clock
	retry          RetryPolicy
	random         func() float64
	requestTimeout time.Duration
	httpClient     *http.Client
}

// WithClock replaces the wall clock used between retries.
func WithClock(c clock.Clock) GatewayOption {
	return func(cfg *gatewayConfig) { cfg.clock = c }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) GatewayOption {
	return func(cfg *gatewayConfig) { cfg.retry = p }
}

// WithRandom replaces the jitter source; it must return values in [0, 1).
func WithRandom(random func() float64) GatewayOption {
	return func(cfg *gatewayConfig) { cfg.random = random }
}

// WithRequestTimeout bounds a single HTTP exchange.
func WithRequestTimeout(d time.Duration) GatewayOption {
	return func(cfg *gatewayConfig) { cfg.requestTimeout = d }
}

// WithHTTPClient replaces the HTTP client; its timeout wins over WithRequestTimeout.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(cfg *gatewayConfig) { cfg.httpClient = c }
}

// NewGateway creates a Gateway for the GitLab instance at baseURL.
func NewGateway(baseURL string, token security.SecureToken, opts ...GatewayOption) (*Gateway, error) {
	cfg := gatewayConfig{
		clock:          clock.New(),
		retry:          DefaultRetryPolicy(),
		random:         rand.Float64,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.requestTimeout}
	}

	// Retries are owned by the gateway, not by the transport.
	client, err := gitlab.NewClient(
		token.Value(),
		gitlab.WithBaseURL(baseURL),
		gitlab.WithHTTPClient(httpClient),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}

	return &Gateway{
		client: client,
		token:  token,
		clock:  cfg.clock,
		retry:  cfg.retry,
		random: cfg.random,
		log:    logger.NoLogger(),
	}, nil
}

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger *bullets.Logger) {
	g.log = logger
	g.log.Debug(fmt.Sprintf("GitLab gateway configured, token %s", g.token))
}

// Call performs cmd, retrying transient failures according to the retry
// policy. Failures are returned as *APIError.
func (g *Gateway) Call(ctx context.Context, cmd Command, opts ...CallOption) (*Result, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	attempts := max(g.retry.Attempts, 1)
	delay := g.retry.Delay

	for attempt := 1; ; attempt++ {
		result, err := g.do(ctx, cmd, o)
		if err == nil {
			return result, nil
		}

		apiErr, ok := AsAPIError(err)
		if !ok || !apiErr.Kind.Transient() || attempt >= attempts {
			return nil, err
		}

		g.log.Warn(fmt.Sprintf("%s failed (%v), retrying in %s (attempt %d/%d)",
			cmd, apiErr.Kind, clock.FormatDuration(delay), attempt, attempts))
		if err := g.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = g.retry.next(delay, g.random)
	}
}

func (g *Gateway) do(ctx context.Context, cmd Command, o callOptions) (*Result, error) {
	path := strings.TrimPrefix(cmd.Path, "/")

	reqOpts := []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)}
	if o.sudo != 0 {
		reqOpts = append(reqOpts, gitlab.WithSudo(o.sudo))
	}
	if cmd.page > 0 {
		reqOpts = append(reqOpts, withPage(cmd.page, PageSize))
	}

	req, err := g.client.NewRequest(cmd.Method, path, cmd.Params, reqOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s: %w", cmd, err)
	}

	if o.sudo != 0 {
		g.log.Debug(fmt.Sprintf("REQUEST: %s as user %d", cmd, o.sudo))
	} else {
		g.log.Debug("REQUEST: " + cmd.String())
	}

	var body bytes.Buffer
	resp, err := g.client.Do(req, &body)
	if err != nil {
		return nil, g.classify(ctx, cmd, err)
	}

	g.log.Debug(fmt.Sprintf("RESPONSE CODE: %d", resp.StatusCode))
	g.log.Debug("RESPONSE BODY: " + security.SanitizeString(truncate(body.String())))

	return &Result{StatusCode: resp.StatusCode, Body: body.Bytes()}, nil
}

func (g *Gateway) classify(ctx context.Context, cmd Command, err error) error {
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		apiErr := newAPIError(cmd.Method, cmd.Path, errResp.Response.StatusCode, errResp.Body)
		g.log.Debug(fmt.Sprintf("RESPONSE CODE: %d", apiErr.StatusCode))
		g.log.Debug("RESPONSE BODY: " + security.SanitizeString(truncate(string(errResp.Body))))
		return apiErr
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", cmd, ctx.Err())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		g.log.Error(fmt.Sprintf("Request timeout: %s", security.SanitizeString(err.Error())))
		return newTimeoutError(cmd.Method, cmd.Path, err)
	}

	return fmt.Errorf("%s: %w", cmd, security.SanitizeError(err))
}

// CollectAllPages requests consecutive pages of cmd until an empty page is
// returned and concatenates the items in server order.
func (g *Gateway) CollectAllPages(ctx context.Context, cmd Command) ([]json.RawMessage, error) {
	var all []json.RawMessage

	for page := 1; ; page++ {
		result, err := g.Call(ctx, cmd.ForPage(page))
		if err != nil {
			return nil, err
		}

		var items []json.RawMessage
		if err := result.Decode(&items); err != nil {
			if errors.Is(err, errEmptyBody) {
				return all, nil
			}
			return nil, err
		}
		if len(items) == 0 {
			return all, nil
		}
		all = append(all, items...)
	}
}

// Version fetches the server version.
func (g *Gateway) Version(ctx context.Context) (Version, error) {
	result, err := g.Call(ctx, Get("version", nil))
	if err != nil {
		return Version{}, err
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := result.Decode(&payload); err != nil {
		return Version{}, err
	}

	return ParseVersion(payload.Version)
}

func withPage(page, perPage int) gitlab.RequestOptionFunc {
	return func(req *retryablehttp.Request) error {
		q := req.URL.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))
		req.URL.RawQuery = q.Encode()
		return nil
	}
}

const maxLoggedBody = 2048

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + "...(truncated)"
}
