package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaClient talks to a local Ollama runtime over /api/chat.
type OllamaClient struct {
	httpClient       *http.Client
	host             string
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	log              *zap.Logger
}

// NewOllamaClient creates a new client targeting the given host (e.g., http://127.0.0.1:11434).
// Zero values fall back to conservative defaults.
func NewOllamaClient(host string, httpTimeout time.Duration, retryMax int, baseDelay, maxDelay time.Duration) *OllamaClient {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = defaultOllamaHost
	}
	if httpTimeout <= 0 {
		httpTimeout = 120 * time.Second
	}
	if retryMax <= 0 {
		retryMax = 2
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &OllamaClient{
		httpClient:       &http.Client{Timeout: httpTimeout},
		host:             host,
		retryMaxAttempts: retryMax,
		retryBaseDelay:   baseDelay,
		retryMaxDelay:    maxDelay,
		log:              zap.NewNop(),
	}
}

// WithLogger attaches a logger for retry diagnostics.
func (c *OllamaClient) WithLogger(l *zap.Logger) *OllamaClient {
	if l != nil {
		c.log = l.Named("ollama")
	}
	return c
}

// Host returns the base URL requests are sent to.
func (c *OllamaClient) Host() string { return c.host }

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string            `json:"model"`
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (c *OllamaClient) payload(req GenerateRequest, stream bool) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	oreq := ollamaChatRequest{
		Model:    req.Model,
		Messages: make([]ollamaChatMessage, len(req.Messages)),
		Stream:   stream,
		Options:  map[string]any{},
	}
	for i, m := range req.Messages {
		oreq.Messages[i] = ollamaChatMessage(m)
	}
	if req.Temperature > 0 {
		oreq.Options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		oreq.Options["num_predict"] = req.MaxTokens
	}
	b, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return b, nil
}

func (c *OllamaClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

// Generate sends a non-streaming chat request and maps the reply to GenerateResponse.
// Timeouts, 429 and 5xx responses are retried with jittered exponential backoff.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	payload, err := c.payload(req, false)
	if err != nil {
		return nil, err
	}

	bo := newBackoff(c.retryBaseDelay, c.retryMaxDelay)
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, hint, err := c.once(ctx, payload)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == c.retryMaxAttempts || !(isRetryable(err) || errors.Is(err, errRetryNet)) {
			break
		}
		c.log.Debug("retrying chat request",
			zap.Int("attempt", attempt),
			zap.String("model", req.Model),
			zap.Error(err))
		if err := bo.wait(ctx, hint); err != nil {
			return nil, err
		}
	}
	if errors.Is(lastErr, errRetryNet) {
		return nil, &UnreachableError{Host: c.host, Err: errors.Unwrap(lastErr)}
	}
	return nil, lastErr
}

var errRetryNet = errors.New("transient network error")

type netErr struct{ err error }

func (e *netErr) Error() string        { return e.err.Error() }
func (e *netErr) Unwrap() error        { return e.err }
func (e *netErr) Is(target error) bool { return target == errRetryNet }

func (c *OllamaClient) once(ctx context.Context, payload []byte) (*GenerateResponse, time.Duration, error) {
	resp, err := c.post(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if isRetryableNetErr(err) {
			return nil, 0, &netErr{err: err}
		}
		return nil, 0, &UnreachableError{Host: c.host, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := classifyHTTPError(resp)
		var rl *RateLimitError
		if errors.As(err, &rl) {
			return nil, rl.RetryAfter, err
		}
		return nil, 0, err
	}
	var oresp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oresp); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	return &GenerateResponse{
		ID:      fmt.Sprintf("ollama_%d", time.Now().UnixNano()),
		Choices: []Choice{{Message: Message{Role: "assistant", Content: oresp.Message.Content}}},
		Usage: Usage{
			PromptTokens:     oresp.PromptEvalCount,
			CompletionTokens: oresp.EvalCount,
			TotalTokens:      oresp.PromptEvalCount + oresp.EvalCount,
		},
		RequestID: resp.Header.Get("X-Request-Id"),
	}, 0, nil
}

// GenerateStream streams partial deltas from Ollama. It does not retry.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string)) error {
	payload, err := c.payload(req, true)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnreachableError{Host: c.host, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPError(resp)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode stream: %w", err)
		}
		if chunk.Message.Content != "" && onDelta != nil {
			onDelta(chunk.Message.Content)
		}
		if chunk.Done {
			return nil
		}
	}
}
