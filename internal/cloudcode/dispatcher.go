package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/auth"
	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/format"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// requestTimeout bounds a single upstream exchange, including long
// streamed generations.
const requestTimeout = 10 * time.Minute

// maxErrorBodyBytes caps how much of an upstream error body gets read.
const maxErrorBodyBytes = 64 * 1024

// emptyResponseFallbackText is streamed to the client when the upstream
// keeps returning contentless responses after all retries.
const emptyResponseFallbackText = "[No response after retries - please try again]"

// Dispatcher sends translated requests to the Cloud Code API, rotating
// accounts on rate limits and auth failures and falling back across
// endpoints on availability errors.
type Dispatcher struct {
	pool   *account.Pool
	broker *auth.Broker
	cfg    *config.Config
	client *http.Client
}

// NewDispatcher creates a dispatcher over the given account pool and
// credential broker.
func NewDispatcher(pool *account.Pool, broker *auth.Broker, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		pool:   pool,
		broker: broker,
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Send performs a non-streaming request. Thinking models only support
// streaming upstream, so for those the SSE body is accumulated into a
// single response.
func (d *Dispatcher) Send(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	return d.send(ctx, req, d.fallbackEnabled())
}

func (d *Dispatcher) send(ctx context.Context, req *anthropic.MessagesRequest, allowFallback bool) (*anthropic.MessagesResponse, error) {
	streamUpstream := config.IsThinkingModel(req.Model)

	for emptyRetries := 0; ; emptyRetries++ {
		resp, _, err := d.acquire(ctx, req, streamUpstream)
		if err != nil {
			if fallback, ok := d.fallbackFor(req.Model, allowFallback, err); ok {
				fbReq := *req
				fbReq.Model = fallback
				return d.send(ctx, &fbReq, false)
			}
			return nil, err
		}

		var result *anthropic.MessagesResponse
		if streamUpstream {
			result, err = format.AccumulateGoogleSSE(resp.Body, req.Model)
		} else {
			result, err = decodeUnaryResponse(resp.Body, req.Model)
		}
		resp.Body.Close()

		if err != nil {
			if gwerrors.IsEmptyResponseError(err) && emptyRetries < config.MaxEmptyResponseRetries {
				backoff := int64(500) << emptyRetries
				utils.Warn("[Dispatcher] Empty response for %s, retrying in %s (%d/%d)",
					req.Model, utils.FormatDuration(backoff), emptyRetries+1, config.MaxEmptyResponseRetries)
				if serr := utils.Sleep(ctx, backoff); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}

		return result, nil
	}
}

// SendStream performs a streaming request. Events arrive on the first
// channel; the second carries at most one terminal error. Both channels
// close when the stream is done.
func (d *Dispatcher) SendStream(ctx context.Context, req *anthropic.MessagesRequest) (<-chan *format.StreamEvent, <-chan error) {
	events := make(chan *format.StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if err := d.stream(ctx, req, events, d.fallbackEnabled()); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (d *Dispatcher) stream(ctx context.Context, req *anthropic.MessagesRequest, out chan<- *format.StreamEvent, allowFallback bool) error {
	for emptyRetries := 0; ; emptyRetries++ {
		resp, _, err := d.acquire(ctx, req, true)
		if err != nil {
			if fallback, ok := d.fallbackFor(req.Model, allowFallback, err); ok {
				fbReq := *req
				fbReq.Model = fallback
				return d.stream(ctx, &fbReq, out, false)
			}
			return err
		}

		events, errc := format.StreamGoogleSSE(resp.Body, req.Model)

		forwarded := false
		for ev := range events {
			select {
			case out <- ev:
				forwarded = true
			case <-ctx.Done():
				resp.Body.Close()
				return ctx.Err()
			}
		}
		err = <-errc
		resp.Body.Close()

		if err == nil {
			return nil
		}

		// An empty stream is only retryable while nothing has been
		// forwarded to the client yet.
		if gwerrors.IsEmptyResponseError(err) && !forwarded {
			if emptyRetries < config.MaxEmptyResponseRetries {
				backoff := int64(500) << emptyRetries
				utils.Warn("[Dispatcher] Empty stream for %s, retrying in %s (%d/%d)",
					req.Model, utils.FormatDuration(backoff), emptyRetries+1, config.MaxEmptyResponseRetries)
				if serr := utils.Sleep(ctx, backoff); serr != nil {
					return serr
				}
				continue
			}
			utils.Error("[Dispatcher] Empty stream for %s after %d retries, emitting fallback message",
				req.Model, config.MaxEmptyResponseRetries)
			emitSyntheticTextStream(ctx, out, req.Model, emptyResponseFallbackText)
			return nil
		}

		return err
	}
}

// acquire runs the account retry loop until an endpoint returns an open
// 200 response.
func (d *Dispatcher) acquire(ctx context.Context, req *anthropic.MessagesRequest, stream bool) (*http.Response, *account.Account, error) {
	model := req.Model

	maxAttempts := d.cfg.MaxRetries
	if n := d.pool.Count() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		acct, waitMs, err := d.pool.PickSticky(model)
		if err != nil {
			return nil, nil, err
		}

		if acct == nil {
			// Every account is limited but the reset is close. The wait
			// does not consume an attempt.
			utils.Warn("[Dispatcher] All accounts rate limited for %s, waiting %s",
				model, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs+500); err != nil {
				return nil, nil, err
			}
			attempt--
			continue
		}

		if !acct.Usable(model) {
			// The pool handed back the sticky account with a reset too
			// far out to wait for.
			waitMs := d.pool.MinWaitTimeMs(model)
			return nil, nil, gwerrors.NewRateLimitError(
				fmt.Sprintf("All accounts rate limited for %s. Quota resets in %s",
					model, utils.FormatDuration(waitMs)),
				utils.Ptr(waitMs), "")
		}

		token, err := d.broker.Token(ctx, acct)
		if err != nil {
			if gwerrors.IsAuthNetworkError(err) {
				utils.Warn("[Dispatcher] Token refresh network error for %s: %v",
					utils.MaskEmail(acct.Email), err)
				lastErr = err
				if serr := utils.Sleep(ctx, d.retryDelayMs()); serr != nil {
					return nil, nil, serr
				}
				d.rotate(model)
				continue
			}
			utils.Error("[Dispatcher] Auth failed for %s: %v", utils.MaskEmail(acct.Email), err)
			d.pool.MarkInvalid(acct.Email, err.Error())
			d.broker.Invalidate(acct.Email)
			lastErr = err
			continue
		}

		projectID := d.broker.ProjectID(ctx, acct, token)
		payload := BuildPayload(req, projectID)

		resp, err := d.exchange(ctx, payload, token, model, stream)
		if err == nil {
			d.pool.ClearRateLimit(acct.Email, model)
			return resp, acct, nil
		}

		switch e := err.(type) {
		case *gwerrors.RateLimitError:
			resetMs := int64(-1)
			if e.ResetMs != nil {
				resetMs = *e.ResetMs
			}
			utils.Warn("[Dispatcher] Account %s rate limited for %s (reset %s)",
				utils.MaskEmail(acct.Email), model, utils.FormatDuration(resetMs))
			d.pool.MarkRateLimited(acct.Email, model, resetMs)
			lastErr = err

		case *gwerrors.AuthError:
			utils.Error("[Dispatcher] Account %s rejected: %s", utils.MaskEmail(acct.Email), e.Message)
			d.pool.MarkInvalid(acct.Email, e.Message)
			d.broker.Invalidate(acct.Email)
			lastErr = err

		case *gwerrors.AuthNetworkError:
			// Transient 401. Drop the cached token so the next attempt
			// refreshes from scratch.
			d.broker.Invalidate(acct.Email)
			lastErr = err
			if serr := utils.Sleep(ctx, d.retryDelayMs()); serr != nil {
				return nil, nil, serr
			}
			d.rotate(model)

		case *gwerrors.ApiError:
			if e.StatusCode < 500 {
				return nil, nil, err
			}
			lastErr = err
			if serr := utils.Sleep(ctx, d.retryDelayMs()); serr != nil {
				return nil, nil, serr
			}
			d.rotate(model)

		case *gwerrors.CapacityExhaustedError:
			lastErr = err
			d.rotate(model)

		default:
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			utils.Warn("[Dispatcher] Request failed on %s: %v", utils.MaskEmail(acct.Email), err)
			lastErr = err
			if serr := utils.Sleep(ctx, d.retryDelayMs()); serr != nil {
				return nil, nil, serr
			}
			d.rotate(model)
		}
	}

	msg := fmt.Sprintf("Request failed after %d attempts", maxAttempts)
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	return nil, nil, gwerrors.NewMaxRetriesError(msg, maxAttempts)
}

// rotate advances the sticky selection after a transient per-account
// failure so the next attempt lands on a different account.
func (d *Dispatcher) rotate(model string) {
	if next, err := d.pool.PickNext(model); err == nil {
		utils.Info("[Dispatcher] Switching to account %s", utils.MaskEmail(next.Email))
	}
}

func (d *Dispatcher) retryDelayMs() int64 {
	if d.cfg != nil && d.cfg.FirstRetryDelayMs > 0 {
		return d.cfg.FirstRetryDelayMs
	}
	return config.FirstRetryDelayMs
}

// exchange performs a single account's request, walking the endpoint
// fallback chain. On success the response body is left open for the
// caller.
func (d *Dispatcher) exchange(ctx context.Context, payload *Payload, token, model string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	path := "/v1internal:generateContent"
	accept := ""
	if stream {
		path = "/v1internal:streamGenerateContent?alt=sse"
		accept = "text/event-stream"
	}

	endpoints := config.AntigravityEndpointFallbacks
	if d.cfg != nil && len(d.cfg.Endpoints) > 0 {
		endpoints = d.cfg.Endpoints
	}

	var (
		lastErr       error
		rateLimited   bool
		minResetMs    int64 = -1
		rateLimitBody string
	)
	for _, endpoint := range endpoints {
		capacityRetries := 0

	endpointLoop:
		for {
			httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+path, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			for k, v := range BuildHeaders(token, model, accept) {
				httpReq.Header.Set(k, v)
			}

			resp, err := d.client.Do(httpReq)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				utils.Warn("[Dispatcher] Request to %s failed: %v", endpoint, err)
				lastErr = err
				break endpointLoop
			}

			if resp.StatusCode == http.StatusOK {
				return resp, nil
			}

			errBody := readErrorBody(resp)
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				if IsPermanentAuthFailure(errBody) {
					return nil, gwerrors.NewAuthError(truncateError(errBody), "", "unauthorized")
				}
				return nil, gwerrors.NewAuthNetworkError(truncateError(errBody), "")

			case resp.StatusCode == http.StatusTooManyRequests:
				if IsModelCapacityExhausted(errBody) && capacityRetries < config.MaxCapacityRetries {
					delay := capacityBackoff(capacityRetries)
					capacityRetries++
					utils.Warn("[Dispatcher] Model capacity exhausted at %s, retrying in %s (%d/%d)",
						endpoint, utils.FormatDuration(delay), capacityRetries, config.MaxCapacityRetries)
					if serr := utils.Sleep(ctx, delay); serr != nil {
						return nil, serr
					}
					continue
				}
				// Another endpoint may still have quota; keep the smallest
				// reset seen across the chain.
				resetMs := ParseResetTime(resp.Header, errBody)
				rateLimited = true
				if resetMs >= 0 && (minResetMs < 0 || resetMs < minResetMs) {
					minResetMs = resetMs
				}
				rateLimitBody = truncateError(errBody)
				utils.Warn("[Dispatcher] Rate limited at %s, trying next endpoint", endpoint)
				break endpointLoop

			case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == 529:
				if capacityRetries < config.MaxCapacityRetries {
					delay := capacityBackoff(capacityRetries)
					capacityRetries++
					utils.Warn("[Dispatcher] %s unavailable (%d), retrying in %s (%d/%d)",
						endpoint, resp.StatusCode, utils.FormatDuration(delay), capacityRetries, config.MaxCapacityRetries)
					if serr := utils.Sleep(ctx, delay); serr != nil {
						return nil, serr
					}
					continue
				}
				lastErr = gwerrors.NewCapacityExhaustedError(truncateError(errBody), nil)
				break endpointLoop

			case resp.StatusCode >= 500:
				utils.Warn("[Dispatcher] Server error %d at %s", resp.StatusCode, endpoint)
				lastErr = gwerrors.NewApiError(truncateError(errBody), resp.StatusCode, "api_error")
				if serr := utils.Sleep(ctx, d.retryDelayMs()); serr != nil {
					return nil, serr
				}
				break endpointLoop

			default:
				return nil, gwerrors.NewApiError(truncateError(errBody), resp.StatusCode, "invalid_request_error")
			}
		}
	}

	if rateLimited {
		var resetPtr *int64
		if minResetMs >= 0 {
			resetPtr = utils.Ptr(minResetMs)
		}
		return nil, gwerrors.NewRateLimitError(rateLimitBody, resetPtr, "")
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints failed")
	}
	return nil, lastErr
}

// fallbackFor decides whether a failed request should be retried on the
// model's fallback. Only quota and capacity failures qualify.
func (d *Dispatcher) fallbackFor(model string, allowFallback bool, err error) (string, bool) {
	if !allowFallback {
		return "", false
	}

	retryable := gwerrors.IsRateLimitError(err) || gwerrors.IsCapacityExhaustedError(err)
	if _, ok := err.(*gwerrors.NoAccountsError); ok {
		retryable = true
	}
	if _, ok := err.(*gwerrors.MaxRetriesError); ok {
		retryable = true
	}
	if !retryable {
		return "", false
	}

	fallback, ok := config.GetFallbackModel(model)
	if !ok {
		return "", false
	}

	utils.Warn("[Dispatcher] Falling back from %s to %s", model, fallback)
	return fallback, true
}

func (d *Dispatcher) fallbackEnabled() bool {
	return d.cfg != nil && d.cfg.FallbackEnabled
}

func capacityBackoff(retry int) int64 {
	tiers := config.CapacityBackoffTiersMs
	if retry >= len(tiers) {
		retry = len(tiers) - 1
	}
	return tiers[retry]
}

// decodeUnaryResponse decodes a non-streaming generateContent body.
func decodeUnaryResponse(body io.Reader, model string) (*anthropic.MessagesResponse, error) {
	var data map[string]interface{}
	if err := json.NewDecoder(body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return format.ConvertGoogleToAnthropic(format.GoogleResponseFromMap(data), model), nil
}

func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncateError(body string) string {
	const max = 500
	if len(body) > max {
		return body[:max]
	}
	if body == "" {
		return "upstream error"
	}
	return body
}

// emitSyntheticTextStream emits a minimal, well-formed event sequence
// carrying a single text block.
func emitSyntheticTextStream(ctx context.Context, out chan<- *format.StreamEvent, model, text string) {
	zero := 0
	events := []*format.StreamEvent{
		{
			Type: "message_start",
			Message: &anthropic.MessagesResponse{
				ID:           anthropic.GenerateMessageID(),
				Type:         "message",
				Role:         "assistant",
				Content:      []anthropic.ContentBlock{},
				Model:        model,
				StopSequence: nil,
				Usage:        &anthropic.Usage{},
			},
		},
		{
			Type:         "content_block_start",
			Index:        &zero,
			ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""},
		},
		{
			Type:  "content_block_delta",
			Index: &zero,
			Delta: map[string]interface{}{"type": "text_delta", "text": text},
		},
		{Type: "content_block_stop", Index: &zero},
		{
			Type:  "message_delta",
			Delta: map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
			Usage: &anthropic.Usage{},
		},
		{Type: "message_stop"},
	}

	for _, ev := range events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
