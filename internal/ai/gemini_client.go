package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiClient adapts the Gemini API to the Runtime interface.
type GeminiClient struct {
	client           *genai.Client
	timeout          time.Duration
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
}

// NewGeminiClient creates a client authenticated with apiKey.
func NewGeminiClient(apiKey string, timeout time.Duration, retryMax int, baseDelay, maxDelay time.Duration) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, &AuthError{APIError: &APIError{StatusCode: 401, Message: "gemini api key is missing (set EDALOOM_GEMINI_API_KEY or GEMINI_API_KEY)"}}
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if retryMax <= 0 {
		retryMax = 2
	}
	return &GeminiClient{
		client:           client,
		timeout:          timeout,
		retryMaxAttempts: retryMax,
		retryBaseDelay:   baseDelay,
		retryMaxDelay:    maxDelay,
	}, nil
}

// Close releases the underlying connection.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Generate sends the conversation as a single prompt; earlier turns are
// prefixed with their role.
func (c *GeminiClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	model := c.client.GenerativeModel(req.Model)
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	prompt := flatten(req.Messages)

	bo := newBackoff(c.retryBaseDelay, c.retryMaxDelay)
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		resp, err := model.GenerateContent(callCtx, genai.Text(prompt))
		cancel()
		if err == nil {
			text, err := firstText(resp)
			if err != nil {
				return nil, err
			}
			out := &GenerateResponse{
				ID:      fmt.Sprintf("gemini_%d", time.Now().UnixNano()),
				Choices: []Choice{{Message: Message{Role: "assistant", Content: text}}},
			}
			if u := resp.UsageMetadata; u != nil {
				out.Usage = Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
				}
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = classifyGRPCError(err)
		if attempt == c.retryMaxAttempts || !isRetryable(lastErr) {
			break
		}
		if err := bo.wait(ctx, 0); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func flatten(msgs []Message) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role != "" && m.Role != "user" {
			b.WriteString(strings.ToUpper(m.Role[:1]) + m.Role[1:] + ": ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		reason := "unknown"
		if resp != nil && len(resp.Candidates) > 0 {
			reason = resp.Candidates[0].FinishReason.String()
		}
		return "", fmt.Errorf("empty or incomplete response from gemini (finish reason: %s)", reason)
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini response has no text parts")
	}
	return b.String(), nil
}

func classifyGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &UnreachableError{Host: "generativelanguage.googleapis.com", Err: err}
	}
	apiErr := &APIError{Code: st.Code().String(), Message: st.Message()}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		apiErr.StatusCode = 401
		return &AuthError{APIError: apiErr}
	case codes.ResourceExhausted:
		apiErr.StatusCode = 429
		return &RateLimitError{APIError: apiErr}
	case codes.NotFound:
		apiErr.StatusCode = 404
		return &ModelNotFoundError{APIError: apiErr}
	case codes.InvalidArgument, codes.FailedPrecondition:
		apiErr.StatusCode = 400
		return &BadRequestError{APIError: apiErr}
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded:
		apiErr.StatusCode = 503
		return &ServerError{APIError: apiErr}
	}
	apiErr.StatusCode = 500
	return apiErr
}
