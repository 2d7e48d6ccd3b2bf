package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// backoff tracks the delay between attempts, doubling up to max.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &backoff{next: base, max: max}
}

// wait sleeps for the current delay (or hint, when larger) and advances.
func (b *backoff) wait(ctx context.Context, hint time.Duration) error {
	d := withJitter(b.next)
	if hint > d {
		d = hint
	}
	if d > b.max && hint <= b.max {
		d = b.max
	}
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withJitter spreads d by a factor in [0.8, 1.2).
func withJitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func isRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isRetryable reports whether a classified error may succeed on a later attempt.
func isRetryable(err error) bool {
	var rl *RateLimitError
	var se *ServerError
	return errors.As(err, &rl) || errors.As(err, &se)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyHTTPError maps a non-2xx response to one of the typed errors.
func classifyHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	apiErr := &APIError{StatusCode: resp.StatusCode, Raw: raw}
	switch e := raw["error"].(type) {
	case string:
		apiErr.Message = e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			apiErr.Message = m
		}
		if c, ok := e["code"].(string); ok {
			apiErr.Code = c
		}
	}
	if m, ok := raw["message"].(string); ok && apiErr.Message == "" {
		apiErr.Message = m
	}
	if apiErr.Message == "" && len(raw) == 0 {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{APIError: apiErr}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{APIError: apiErr, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		return &ModelNotFoundError{APIError: apiErr}
	case resp.StatusCode == http.StatusBadRequest:
		return &BadRequestError{APIError: apiErr}
	case resp.StatusCode >= 500:
		return &ServerError{APIError: apiErr}
	}
	return apiErr
}
