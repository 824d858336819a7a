// Package rest implements the HTTP Request Pipeline (spec §4.2): a single
// producer/consumer queue feeding one worker that serializes requests
// through the transport, honors rate limits, and completes callers with
// typed results.
//
// Grounded on the teacher's http.go, which already reaches for
// github.com/valyala/fasthttp for its "important" request paths
// (apiClient, webhookClient) instead of net/http; this module generalizes
// that single fixed-endpoint client into a full request/response pipeline
// reading Discord's rate-limit headers, in the shape of
// original_source/src/api/http_client.cpp's worker_loop + perform_request
// (one worker thread draining one queue, a promise per request).
package rest

import (
	"context"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	core "discordcore/errs"
	"discordcore/logging"
	"discordcore/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBaseURL   = "https://discord.com/api/v10"
	defaultUserAgent = "DiscordBot (https://github.com/discordcore/discordcore, 1.0.0)"
	defaultTimeout   = 15 * time.Second
)

// pendingRequest is a queued call awaiting the worker, with its completion
// slot. Spec §3's "Pending HTTP request" entity.
type pendingRequest struct {
	ctx     context.Context
	route   Route
	body    []byte
	headers map[string]string
	result  chan result
}

type result struct {
	data []byte
	err  error
}

// Pipeline is the HTTP Request Pipeline component: one fasthttp client,
// one worker goroutine, one FIFO queue.
type Pipeline struct {
	token   string
	baseURL string
	timeout time.Duration

	client  *fasthttp.Client
	limiter *ratelimit.Limiter
	log     *logging.Logger

	queue chan *pendingRequest

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithBaseURL overrides the default Discord API base URL (useful for
// tests against a local server).
func WithBaseURL(url string) Option {
	return func(p *Pipeline) { p.baseURL = url }
}

// WithTimeout overrides the per-request transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithLogger overrides the pipeline's logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New builds and starts a Pipeline authenticated as Bot token.
func New(token string, limiter *ratelimit.Limiter, opts ...Option) (*Pipeline, error) {
	if token == "" {
		return nil, core.NewValidationError("rest: token must not be empty")
	}

	p := &Pipeline{
		token:   token,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
		client:  &fasthttp.Client{},
		limiter: limiter,
		log:     logging.Default().With("rest"),
		queue:   make(chan *pendingRequest, 64),
		closed:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Request submits method/path with an optional JSON body and extra headers,
// blocking the caller until the worker completes it (or ctx is done). The
// returned bytes are the raw JSON response body (nil for an empty body).
func (p *Pipeline) Request(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, core.NewShutdownError()
	default:
	}

	req := &pendingRequest{
		ctx:     ctx,
		route:   NewRoute(method, path),
		body:    body,
		headers: headers,
		result:  make(chan result, 1),
	}

	select {
	case p.queue <- req:
	case <-p.closed:
		return nil, core.NewShutdownError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestJSON is a convenience wrapper that marshals in and unmarshals the
// response into out (if non-nil and the body is non-empty).
func (p *Pipeline) RequestJSON(ctx context.Context, method, path string, in interface{}, out interface{}, headers map[string]string) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return core.NewValidationError("rest: marshal request body: %s", err)
		}
		body = b
	}

	data, err := p.Request(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Close stops accepting new requests, completes queued requests with a
// shutdown error, and waits for the worker to exit. A request already in
// flight is finished before the worker exits, so Close blocks for it too.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

// run is the single worker: FIFO, one in-flight transport call at a time,
// matching spec §4.2's "Concurrency is intentionally single-writer".
func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.closed:
			p.drain()
			return
		case req := <-p.queue:
			p.process(req)
		}
	}
}

func (p *Pipeline) drain() {
	for {
		select {
		case req := <-p.queue:
			req.result <- result{err: core.NewShutdownError()}
		default:
			return
		}
	}
}

// process runs req through the limiter and transport, retrying exactly once
// if the first attempt comes back 429 — spec §7's rate-limit contract:
// "pipeline defers and retries at most once per submission."
func (p *Pipeline) process(req *pendingRequest) {
	r, retryAfter, rateLimited := p.attempt(req)
	if !rateLimited {
		req.result <- r
		return
	}

	timer := time.NewTimer(retryAfter)
	select {
	case <-timer.C:
	case <-req.ctx.Done():
		timer.Stop()
		req.result <- result{err: req.ctx.Err()}
		return
	case <-p.closed:
		timer.Stop()
		req.result <- result{err: core.NewShutdownError()}
		return
	}

	r, _, _ = p.attempt(req)
	req.result <- r
}

// attempt makes one transport call for req, returning the outcome and,
// for a 429 response, how long to defer the retry.
func (p *Pipeline) attempt(req *pendingRequest) (r result, retryAfter time.Duration, rateLimited bool) {
	route := req.route

	if err := p.limiter.WaitUntilClear(req.ctx, route.Signature()); err != nil {
		return result{err: err}, 0, false
	}

	status, respBody, respHeaders, err := p.doTransport(req)
	if err != nil {
		return result{err: core.NewTransportError(err)}, 0, false
	}

	p.updateLimiterFromHeaders(route.Signature(), status, respHeaders)

	switch {
	case status < 400:
		if len(respBody) == 0 {
			return result{data: nil}, 0, false
		}
		return result{data: respBody}, 0, false

	case status == 429:
		retryAfter := parseRetryAfter(respHeaders)
		if headers429Global(respHeaders) {
			p.limiter.SetGlobalRetryAfter(retryAfter)
		} else {
			p.limiter.SetRouteRetryAfter(route.Signature(), retryAfter)
		}
		return result{err: core.NewRateLimitError(retryAfter)}, retryAfter, true

	case status == 401:
		return result{err: core.NewAuthenticationError(extractMessage(respBody))}, 0, false

	case status == 403:
		return result{err: core.NewPermissionError(extractMessage(respBody))}, 0, false

	default:
		return result{err: core.NewHTTPError(status, extractMessage(respBody))}, 0, false
	}
}

func headers429Global(headers map[string]string) bool {
	return headers["X-RateLimit-Global"] == "true"
}

func (p *Pipeline) doTransport(req *pendingRequest) (status int, body []byte, headers map[string]string, err error) {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.Header.SetMethod(req.route.Method)
	httpReq.SetRequestURI(p.baseURL + req.route.Path)
	httpReq.Header.Set("Authorization", "Bot "+p.token)
	httpReq.Header.Set("User-Agent", defaultUserAgent)
	httpReq.Header.Set("Content-Type", "application/json")

	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	if len(req.body) > 0 {
		httpReq.SetBody(req.body)
	}

	timeout := p.timeout
	if deadline, ok := req.ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err = p.client.DoTimeout(httpReq, httpResp, timeout); err != nil {
		return 0, nil, nil, err
	}

	status = httpResp.StatusCode()
	body = append([]byte(nil), httpResp.Body()...)

	// fasthttp normalizes header names (X-RateLimit-Global arrives as
	// X-Ratelimit-Global), so read each rate-limit header through Peek,
	// which applies the same normalization, and key it by the name the
	// lookups below use.
	headers = make(map[string]string, 5)
	for _, k := range []string{"X-RateLimit-Remaining", "X-RateLimit-Limit", "X-RateLimit-Reset-After", "X-RateLimit-Global", "Retry-After"} {
		if v := httpResp.Header.Peek(k); v != nil {
			headers[k] = string(v)
		}
	}

	return status, body, headers, nil
}

func (p *Pipeline) updateLimiterFromHeaders(route string, status int, headers map[string]string) {
	remaining, hasRemaining := parseIntHeader(headers, "X-RateLimit-Remaining")
	limit, _ := parseIntHeader(headers, "X-RateLimit-Limit")
	if !hasRemaining {
		return
	}

	resetAt := parseResetHeader(headers)
	global := headers["X-RateLimit-Global"] == "true"

	p.limiter.UpdateFromResponse(route, ratelimit.ResponseInfo{
		Remaining: remaining,
		Limit:     limit,
		Reset:     resetAt,
		Global:    global,
	})
}

func parseIntHeader(headers map[string]string, key string) (int, bool) {
	v, ok := headers[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseResetHeader(headers map[string]string) time.Time {
	v, ok := headers["X-RateLimit-Reset-After"]
	if ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	return time.Now()
}

func parseRetryAfter(headers map[string]string) time.Duration {
	v, ok := headers["Retry-After"]
	if !ok {
		return time.Second
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}

func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body)
	}
	return parsed.Message
}
