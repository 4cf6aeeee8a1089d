// Package llmgateway encapsulates every call to the external JSON-producing
// language model behind one operation: Call(system, user) -> JSON value.
// Retry/backoff, 429/403 handling, and JSON-only parsing live here so the
// Reasoner never talks to an HTTP client directly.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RetrySchedule is the fixed five-attempt backoff schedule (wall clock).
var RetrySchedule = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}

// DefaultTimeout is the minimum per-call request timeout the spec requires;
// the reasoner call may raise this to 60s via Config.Timeout.
const DefaultTimeout = 30 * time.Second

// Config configures one Gateway instance (one provider/model pair).
type Config struct {
	Name        string // used as the breaker's name and in ensemble labeling
	Provider    string // "openai", "anthropic", "ollama", "openrouter" (OpenAI-compatible)
	Model       string
	BaseURL     string
	APIKey      string // used directly when CredentialsPath is empty
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration

	CredentialsPath string // service-account key file; if set, overrides APIKey

	RateLimitRPS   float64
	RateLimitBurst int

	BreakerFailureThreshold uint32
	BreakerCooldown         time.Duration
}

// CallRecorder observes Gateway call outcomes so a metrics collector can be
// wired in without this package importing one concretely.
type CallRecorder interface {
	ObserveCall(provider, outcome string, duration time.Duration)
	ObserveError(kind string)
}

// Gateway is the concrete LLM Gateway: pooled HTTP transport, outbound rate
// limiter, circuit breaker, and the retry/parsing contract of §4.D.
type Gateway struct {
	config      Config
	client      *http.Client
	creds       *Credentials
	limiter     *rate.Limiter
	breaker     *cb.CircuitBreaker
	consecutive int
	recorder    CallRecorder
}

// SetRecorder wires a CallRecorder (typically a metrics collector) into the
// Gateway; nil is a valid, no-op default.
func (g *Gateway) SetRecorder(r CallRecorder) { g.recorder = r }

// New builds a Gateway. If cfg.CredentialsPath is non-empty, credentials are
// loaded eagerly and fail fast per §4.D's "fails fast at process start"
// requirement.
func New(cfg Config) (*Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 2.0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 3
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	var creds *Credentials
	if cfg.CredentialsPath != "" {
		var err error
		creds, err = LoadCredentials(cfg.CredentialsPath)
		if err != nil {
			return nil, err
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}

	breakerSettings := cb.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	}

	return &Gateway{
		config:  cfg,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		breaker: cb.NewCircuitBreaker(breakerSettings),
	}, nil
}

// Name returns the Gateway's configured name (provider label for ensemble
// responses and stage telemetry).
func (g *Gateway) Name() string { return g.config.Name }

// Call sends (system_prompt, user_prompt) to the provider and returns the
// parsed JSON value, honoring the retry schedule, 429/403 handling, and the
// three accepted JSON forms (raw, ```json fenced, ``` fenced).
func (g *Gateway) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	start := time.Now()
	raw, err := g.breaker.Execute(func() (any, error) {
		return g.callWithRetry(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
			err = &CircuitOpenError{Cause: err}
		}
		g.record(start, "error", err)
		return nil, err
	}
	g.record(start, "ok", nil)
	return raw.(map[string]any), nil
}

// record reports the call's outcome and latency to the wired CallRecorder,
// and classifies the error into the typed-failure taxonomy for the error
// counter's "kind" label.
func (g *Gateway) record(start time.Time, outcome string, err error) {
	if g.recorder == nil {
		return
	}
	g.recorder.ObserveCall(g.config.Name, outcome, time.Since(start))
	if err == nil {
		return
	}
	kind := "generic"
	switch e := err.(type) {
	case *ForbiddenError:
		kind = string(e.Reason)
	case *CircuitOpenError:
		kind = "circuit_open"
	case *DeadlineExceededError:
		kind = "deadline_exceeded"
	case *UnavailableError:
		kind = "unavailable"
	}
	g.recorder.ObserveError(kind)
}

func (g *Gateway) callWithRetry(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	delay := RetrySchedule[0]
	var lastErr error

	for attempt := 0; attempt < len(RetrySchedule); {
		select {
		case <-ctx.Done():
			return nil, &DeadlineExceededError{Cause: ctx.Err()}
		default:
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &DeadlineExceededError{Cause: err}
		}

		body, status, retryAfter, err := g.doRequest(ctx, systemPrompt, userPrompt)
		if err != nil {
			lastErr = err
			attempt++
			if attempt >= len(RetrySchedule) {
				break
			}
			if !sleepOrDone(ctx, RetrySchedule[attempt-1]) {
				return nil, &DeadlineExceededError{Cause: ctx.Err()}
			}
			continue
		}

		if status == http.StatusTooManyRequests {
			wait := retryAfter
			if wait <= 0 {
				wait = 2 * delay
			}
			delay = wait
			if !sleepOrDone(ctx, wait) {
				return nil, &DeadlineExceededError{Cause: ctx.Err()}
			}
			continue // does not consume an attempt
		}

		if status == http.StatusForbidden {
			return nil, classifyForbidden(body)
		}

		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("llmgateway: provider returned status %d", status)
			attempt++
			if attempt >= len(RetrySchedule) {
				break
			}
			if !sleepOrDone(ctx, RetrySchedule[attempt-1]) {
				return nil, &DeadlineExceededError{Cause: ctx.Err()}
			}
			continue
		}

		parsed, perr := extractJSON(string(body))
		if perr != nil {
			lastErr = perr
			attempt++
			if attempt >= len(RetrySchedule) {
				break
			}
			if !sleepOrDone(ctx, RetrySchedule[attempt-1]) {
				return nil, &DeadlineExceededError{Cause: ctx.Err()}
			}
			continue
		}
		return parsed, nil
	}

	return nil, &UnavailableError{Attempts: len(RetrySchedule), Cause: lastErr}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// doRequest issues one HTTP call to the provider and returns the raw body,
// status code, and any Retry-After duration (for 429 responses).
func (g *Gateway) doRequest(ctx context.Context, systemPrompt, userPrompt string) ([]byte, int, time.Duration, error) {
	reqBody := map[string]any{
		"model": g.config.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"max_tokens":      nonZero(g.config.MaxTokens, 1024),
		"temperature":     g.config.Temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("llmgateway: marshal request: %w", err)
	}

	url := g.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("llmgateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, err := g.authToken()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("llmgateway: auth token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("llmgateway: transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("llmgateway: read body: %w", err)
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, retryAfter, nil
	}

	content, err := extractChatContent(body)
	if err != nil {
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("llmgateway: decode completion: %w", err)
	}
	return []byte(content), resp.StatusCode, retryAfter, nil
}

func (g *Gateway) authToken() (string, error) {
	if g.creds != nil {
		return g.creds.Token()
	}
	return g.config.APIKey, nil
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// extractChatContent pulls the assistant message content out of an
// OpenAI-compatible chat completion response.
func extractChatContent(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSON accepts three forms: raw JSON, JSON inside a ```json fenced
// block, or JSON inside a plain ``` fenced block. Anything else is a parse
// failure.
func extractJSON(text string) (map[string]any, error) {
	candidate := strings.TrimSpace(text)

	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, fmt.Errorf("llmgateway: malformed JSON response: %w", err)
	}
	return out, nil
}

// classifyForbidden maps a 403 response body to the typed ForbiddenError
// taxonomy via the provider's error-reason field.
func classifyForbidden(body []byte) error {
	var parsed struct {
		Error struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)

	reason := ReasonGeneric
	switch strings.ToLower(parsed.Error.Reason) {
	case "service_disabled", "servicedisabled":
		reason = ReasonServiceDisabled
	case "insufficient_scope", "insufficientscope":
		reason = ReasonInsufficientScope
	case "permission_denied", "permissiondenied":
		reason = ReasonPermissionDenied
	}
	return &ForbiddenError{Reason: reason, Detail: parsed.Error.Message}
}
