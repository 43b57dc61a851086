/************************************************************************************
 *
 * ratl (rest api throttling library), A Lightweight Go library for Discord rate limits
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package ratl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *   Constants         *
 ***********************/

const (
	apiVersion = "v10"
	baseApiUrl = "https://discord.com/api/" + apiVersion
	maxRetries = 5

	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerScope      = "X-RateLimit-Scope"
)

var retryableStatusCodes = map[int]struct{}{
	429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// rateLimitedPayload is the JSON body the API attaches to 429 responses.
type rateLimitedPayload struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

/***********************
 *   Requester         *
 ***********************/

// RequesterConfig configures the HTTP requester.
type RequesterConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string
	// Client overrides the default tuned HTTP client.
	Client *http.Client
	// BaseURL overrides the API base URL. Used by tests.
	BaseURL string
	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Requester sends HTTP requests under full rate limit compliance: every
// request enters its bucket's scope before going out, and every response's
// rate limit headers are fed back into the bucket manager.
type Requester struct {
	client    *http.Client
	manager   *BucketManager
	pool      WorkerPool
	token     string
	baseURL   string
	userAgent string
	logger    xlog.Logger
}

// NewRequester creates a Requester on top of the given bucket manager.
// The manager must be started by the caller.
func NewRequester(config RequesterConfig, manager *BucketManager, logger xlog.Logger) *Requester {
	client := config.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = baseApiUrl
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "DiscordBot (ratl)"
	}

	return &Requester{
		client:    client,
		manager:   manager,
		pool:      NewDefaultWorkerPool(logger),
		token:     "Bot " + config.Token,
		baseURL:   baseURL,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Do sends an HTTP request with automatic rate limit and retry handling.
//
// The request is serialised through its bucket: Do blocks until the bucket's
// gate, its window, and the global limiter all admit it. The returned
// response's body is the caller's to close.
func (r *Requester) Do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	route := compileEndpoint(method, endpoint)

	for tries := 0; tries < maxRetries; tries++ {
		r.logger.WithField("attempt", tries+1).Debug("requesting " + method + " " + endpoint)

		resp, err := r.doOnce(ctx, route, method, endpoint, body)
		if err != nil {
			var tooLong *RateLimitTooLongError
			if errors.As(err, &tooLong) || ctx.Err() != nil {
				return nil, err
			}
			r.logger.WithField("err", err).Warn("HTTP request error for " + method + " " + endpoint)
			if !sleepCtx(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := r.handleRateLimited(route, resp)
			resp.Body.Close()
			if !sleepCtx(ctx, secondsToDuration(retryAfter)+100*time.Millisecond) {
				return nil, ctx.Err()
			}
			continue
		}

		if _, retry := retryableStatusCodes[resp.StatusCode]; retry {
			r.logger.WithField("status", resp.StatusCode).
				Warn("retryable status for " + method + " " + endpoint)
			resp.Body.Close()
			if !sleepCtx(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		return resp, nil
	}

	r.logger.Error("max retries reached for " + method + " " + endpoint)
	return nil, errors.New("max retries reached")
}

// doOnce performs one attempt inside the bucket's scope.
func (r *Requester) doOnce(ctx context.Context, route CompiledRoute, method, endpoint string, body []byte) (*http.Response, error) {
	bucket, err := r.manager.AcquireBucket(route, r.token)
	if err != nil {
		return nil, err
	}
	if err := bucket.Acquire(ctx); err != nil {
		return nil, err
	}
	defer bucket.Release()

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", r.token)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}

	r.updateRateLimits(route, resp.Header)
	return resp, nil
}

// Submit runs the request on the worker pool and calls back with the result.
// Returns false if the pool dropped the task.
func (r *Requester) Submit(ctx context.Context, method, endpoint string, body []byte, callback func(*http.Response, error)) bool {
	return r.pool.Submit(func() {
		callback(r.Do(ctx, method, endpoint, body))
	})
}

// Shutdown releases the requester's resources. The bucket manager is owned
// by the caller and is not closed here.
func (r *Requester) Shutdown() {
	r.pool.Shutdown()
	r.client.CloseIdleConnections()
}

// updateRateLimits feeds a response's rate limit headers into the manager.
// Responses without a bucket header carry no bucket state and are ignored.
func (r *Requester) updateRateLimits(route CompiledRoute, h http.Header) {
	bucketHash := h.Get(headerBucket)
	if bucketHash == "" {
		return
	}

	limit := 1
	if v := h.Get(headerLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	remaining := 0
	if v := h.Get(headerRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	resetAfter := 0.0
	if v := h.Get(headerResetAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			resetAfter = f
		}
	}

	r.manager.UpdateRateLimits(route, r.token, bucketHash, remaining, limit, resetAfter)
}

// handleRateLimited digests a 429: decodes the payload, throttles the global
// limiter when the limit is global or shared, and returns how long to back
// off before the next attempt.
func (r *Requester) handleRateLimited(route CompiledRoute, resp *http.Response) float64 {
	retryAfter := 1.0
	if v := resp.Header.Get(headerRetryAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = f
		}
	}

	var payload rateLimitedPayload
	if body, err := io.ReadAll(resp.Body); err == nil {
		if err := sonic.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
			retryAfter = payload.RetryAfter
		}
	}

	global := payload.Global ||
		resp.Header.Get(headerGlobal) == "true" ||
		resp.Header.Get(headerScope) == "shared"
	if global {
		r.manager.ThrottleGlobal(retryAfter)
	} else {
		r.logger.WithFields(map[string]any{
			"route":       route.Route.String(),
			"retry_after": retryAfter,
		}).Debug("bucket rate limit hit")
	}

	return retryAfter
}

// sleepCtx sleeps for d unless the context finishes first. Reports whether
// the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

/***********************
 *  Route Compilation  *
 ***********************/

var (
	reSnowflake    = regexp.MustCompile(`\d{17,19}`)
	reReactions    = regexp.MustCompile(`/reactions/[^/?]+`)
	reWebhookToken = regexp.MustCompile(`/webhooks/\{webhook\}/[^/?{]+`)
)

// compileEndpoint normalises a concrete endpoint into the compiled route the
// manager buckets it under: snowflakes become placeholders, the first one
// found is the major parameter (joined with the token on webhook-token
// endpoints), and a handful of endpoints get special
// treatment to mirror how the API actually buckets them.
func compileEndpoint(method, endpoint string) CompiledRoute {
	// Interaction callbacks are exempt from bucketing majors entirely.
	if strings.HasPrefix(endpoint, "/interactions/") && strings.HasSuffix(endpoint, "/callback") {
		return CompiledRoute{
			Route:          Route{Method: method, Path: "/interactions/{id}/{token}/callback"},
			CompiledPath:   endpoint,
			majorParamHash: "-",
		}
	}

	major := reSnowflake.FindString(endpoint)
	template := reSnowflake.ReplaceAllStringFunc(endpoint, majorAwarePlaceholder(endpoint))
	template = reReactions.ReplaceAllString(template, "/reactions/{emoji}")
	webhookToken := strings.TrimPrefix(reWebhookToken.FindString(template), "/webhooks/{webhook}/")
	template = reWebhookToken.ReplaceAllString(template, "/webhooks/{webhook}/{webhook_token}")

	// Deleting messages older than two weeks sits in a separate, slower
	// bucket on the API side; give those their own route template.
	if method == http.MethodDelete && strings.HasPrefix(template, "/channels/{channel}/messages/{id}") {
		parts := strings.Split(endpoint, "/")
		if messageID, err := strconv.ParseUint(parts[len(parts)-1], 10, 64); err == nil {
			if time.Since(Snowflake(messageID).Timestamp()) > 14*24*time.Hour {
				template += "/old"
			}
		}
	}

	hash := "-"
	if major != "" {
		hash = major
	}
	if webhookToken != "" {
		hash += "-" + webhookToken
	}
	return CompiledRoute{
		Route:          Route{Method: method, Path: template},
		CompiledPath:   endpoint,
		majorParamHash: hash,
	}
}

// majorAwarePlaceholder names the first snowflake after its resource segment
// (channel, guild, webhook) so the template reads like the declared routes;
// later snowflakes become {id}.
func majorAwarePlaceholder(endpoint string) func(string) string {
	first := true
	return func(match string) string {
		if !first {
			return "{id}"
		}
		first = false
		idx := strings.Index(endpoint, match)
		prefix := endpoint[:idx]
		switch {
		case strings.HasSuffix(prefix, "/channels/"):
			return "{channel}"
		case strings.HasSuffix(prefix, "/guilds/"):
			return "{guild}"
		case strings.HasSuffix(prefix, "/webhooks/"):
			return "{webhook}"
		default:
			return "{id}"
		}
	}
}
