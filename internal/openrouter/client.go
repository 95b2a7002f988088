package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies a failed model call. Retryable kinds are retried by
// the client itself; whatever kind survives is final for the round.
type ErrorKind string

const (
	ErrNone        ErrorKind = ""
	ErrRateLimited ErrorKind = "rate_limited"
	ErrTimeout     ErrorKind = "timeout"
	ErrAuth        ErrorKind = "auth"
	ErrBadRequest  ErrorKind = "bad_request"
	ErrUpstream    ErrorKind = "upstream"
	ErrCancelled   ErrorKind = "cancelled"
)

// ErrCostUnavailable is returned when a generation's cost is not (yet)
// indexed upstream.
var ErrCostUnavailable = errors.New("generation cost unavailable")

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest pairs one model identifier with the messages to send it.
type QueryRequest struct {
	Model    string
	Messages []ChatMessage
}

// ModelResponse is the outcome of one model call. On failure Content and
// GenerationID are empty and Kind carries the error class.
type ModelResponse struct {
	Model        string    `json:"model"`
	Content      string    `json:"content,omitempty"`
	GenerationID string    `json:"generation_id,omitempty"`
	Kind         ErrorKind `json:"error,omitempty"`
}

// OK reports whether the call produced usable output.
func (r ModelResponse) OK() bool {
	return r.Kind == ErrNone
}

// Config holds configuration for the OpenRouter client.
type Config struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// Client talks to the OpenRouter chat-completions and generation-stats
// APIs. All calls are context-aware; cancelling the context aborts the
// in-flight HTTP request.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// NewClient creates a new OpenRouter client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	client := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}

	logger.Info("OpenRouter client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("max_retries", cfg.MaxRetries))

	return client, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Query sends one prompt to one model. Transient upstream failures are
// retried with exponential backoff; the returned ModelResponse is
// error-flagged rather than the error being returned, so a batch of
// queries can always be collected in full.
func (c *Client) Query(ctx context.Context, model string, messages []ChatMessage) ModelResponse {
	var lastKind ErrorKind

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, retryAfter := c.queryOnce(ctx, model, messages, attempt)
		if resp.OK() || !isRetryable(resp.Kind) {
			return resp
		}
		lastKind = resp.Kind

		if ctx.Err() != nil {
			return ModelResponse{Model: model, Kind: ErrCancelled}
		}
		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.backoff(attempt, retryAfter)
		c.logger.Warn("Retrying model query",
			zap.String("model", model),
			zap.String("kind", string(resp.Kind)),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ModelResponse{Model: model, Kind: ErrCancelled}
		}
	}

	c.logger.Error("All retries exhausted for model",
		zap.String("model", model),
		zap.String("kind", string(lastKind)))
	return ModelResponse{Model: model, Kind: lastKind}
}

func (c *Client) queryOnce(ctx context.Context, model string, messages []ChatMessage, attempt int) (ModelResponse, time.Duration) {
	failed := func(kind ErrorKind) (ModelResponse, time.Duration) {
		return ModelResponse{Model: model, Kind: kind}, 0
	}

	jsonData, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return failed(ErrBadRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return failed(ErrBadRequest)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return failed(ErrCancelled)
		}
		c.logger.Warn("Model query transport error",
			zap.String("model", model),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		return failed(ErrTimeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed(ErrUpstream)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		c.logger.Warn("Model query returned non-OK status",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1))
		return ModelResponse{Model: model, Kind: kind}, parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		c.logger.Error("Failed to unmarshal model response",
			zap.String("model", model), zap.Error(err))
		return failed(ErrUpstream)
	}
	if apiResp.Error != nil {
		c.logger.Error("Model query returned API error",
			zap.String("model", model),
			zap.String("message", apiResp.Error.Message))
		return failed(classifyStatus(apiResp.Error.Code))
	}
	if len(apiResp.Choices) == 0 {
		return failed(ErrUpstream)
	}

	return ModelResponse{
		Model:        model,
		Content:      apiResp.Choices[0].Message.Content,
		GenerationID: apiResp.ID,
	}, 0
}

// QueryBatch issues all requests concurrently and returns once every one
// has either succeeded or exhausted its retry budget. Output order matches
// input order. A slow or failing model never blocks collection of the
// others' results.
func (c *Client) QueryBatch(ctx context.Context, requests []QueryRequest) []ModelResponse {
	responses := make([]ModelResponse, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req QueryRequest) {
			defer wg.Done()
			responses[i] = c.Query(ctx, req.Model, req.Messages)
		}(i, req)
	}
	wg.Wait()

	return responses
}

type generationResponse struct {
	Data struct {
		TotalCost              float64 `json:"total_cost"`
		NativeTokensPrompt     int     `json:"native_tokens_prompt"`
		NativeTokensCompletion int     `json:"native_tokens_completion"`
		Model                  string  `json:"model"`
	} `json:"data"`
}

// GenerationCost queries the actual cost of one completed generation.
// The stats endpoint may lag the completion by a moment, so a 404 is
// retried a few times before giving up with ErrCostUnavailable.
func (c *Client) GenerationCost(ctx context.Context, generationID string) (float64, error) {
	const costRetries = 3
	const costDelay = 500 * time.Millisecond

	for attempt := 0; attempt < costRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generation?id="+generationID, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create cost request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("cost lookup request failed: %w", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			if attempt < costRetries-1 {
				select {
				case <-time.After(costDelay * time.Duration(attempt+1)):
					continue
				case <-ctx.Done():
					return 0, ctx.Err()
				}
			}
			c.logger.Warn("Generation not found after retries",
				zap.String("generation_id", generationID))
			return 0, ErrCostUnavailable
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to read cost response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("cost lookup returned status %d", resp.StatusCode)
		}

		var genResp generationResponse
		if err := json.Unmarshal(body, &genResp); err != nil {
			return 0, fmt.Errorf("failed to unmarshal cost response: %w", err)
		}
		return genResp.Data.TotalCost, nil
	}

	return 0, ErrCostUnavailable
}

// GenerationCosts looks up costs for multiple generations in parallel.
// Generations whose cost could not be resolved are omitted from the map.
func (c *Client) GenerationCosts(ctx context.Context, generationIDs []string) map[string]float64 {
	if len(generationIDs) == 0 {
		return map[string]float64{}
	}

	type result struct {
		id   string
		cost float64
		err  error
	}

	results := make([]result, len(generationIDs))
	var wg sync.WaitGroup
	for i, id := range generationIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cost, err := c.GenerationCost(ctx, id)
			results[i] = result{id: id, cost: cost, err: err}
		}(i, id)
	}
	wg.Wait()

	costs := make(map[string]float64, len(generationIDs))
	for _, r := range results {
		if r.err != nil {
			c.logger.Warn("Cost lookup failed for generation",
				zap.String("generation_id", r.id), zap.Error(r.err))
			continue
		}
		costs[r.id] = r.cost
	}
	return costs
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func isRetryable(kind ErrorKind) bool {
	return kind == ErrRateLimited || kind == ErrUpstream || kind == ErrTimeout
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusPaymentRequired:
		return ErrAuth
	case retryableStatus[status]:
		return ErrUpstream
	case status >= 400 && status < 500:
		return ErrBadRequest
	default:
		return ErrUpstream
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := c.baseDelay * (1 << attempt)
	if retryAfter > 0 {
		delay = retryAfter
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}
