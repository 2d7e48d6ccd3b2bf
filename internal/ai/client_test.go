package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type ipv4Server struct {
	URL  string
	srv  *http.Server
	hits int32
}

// newIPv4Server serves handler on 127.0.0.1 and skips when sandboxes forbid listeners.
func newIPv4Server(t *testing.T, handler http.Handler) *ipv4Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			t.Skipf("skipping test: cannot open local listener (%v)", err)
		}
		t.Fatalf("listen tcp4: %v", err)
	}
	s := &ipv4Server{URL: "http://" + ln.Addr().String()}
	s.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("test server serve: %v", err))
		}
	}()
	t.Cleanup(s.Close)
	return s
}

func (s *ipv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func (s *ipv4Server) Hits() int { return int(atomic.LoadInt32(&s.hits)) }

// chatSequence answers /api/chat with statuses in order, repeating the last one.
// 2xx answers carry reply as the assistant message.
func chatSequence(t *testing.T, statuses []int, reply string) *ipv4Server {
	t.Helper()
	var idx int32
	return newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		i := int(atomic.AddInt32(&idx, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		st := statuses[i]
		w.Header().Set("Content-Type", "application/json")
		if st == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(st)
		if st >= 200 && st < 300 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model":             "llama2:latest",
				"message":           map[string]any{"role": "assistant", "content": reply},
				"done":              true,
				"prompt_eval_count": 7,
				"eval_count":        5,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": http.StatusText(st)})
	}))
}

func ioNopCloser(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{401, func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{429, func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{404, func(err error) bool { var e *ModelNotFoundError; return errors.As(err, &e) }},
		{400, func(err error) bool { var e *BadRequestError; return errors.As(err, &e) }},
		{502, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{418, func(err error) bool { var e *APIError; return errors.As(err, &e) }},
	}
	for _, tc := range cases {
		resp := &http.Response{
			StatusCode: tc.status,
			Header:     http.Header{"Retry-After": []string{"3"}},
			Body:       ioNopCloser(`{"error":{"message":"nope","code":"x"}}`),
		}
		err := classifyHTTPError(resp)
		if !tc.check(err) {
			t.Fatalf("status %d: unexpected error type %T", tc.status, err)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Fatalf("status %d: message lost: %v", tc.status, err)
		}
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: 429,
		Header:     http.Header{"Retry-After": []string{"2"}},
		Body:       ioNopCloser(`{"error":"slow down"}`),
	}
	var rl *RateLimitError
	if !errors.As(classifyHTTPError(resp), &rl) {
		t.Fatalf("expected RateLimitError")
	}
	if rl.RetryAfter != 2*time.Second {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}
}

func TestBackoffCapsAndHonorsContext(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 20*time.Millisecond)
	for i := 0; i < 4; i++ {
		if err := b.wait(context.Background(), 0); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if b.next != 20*time.Millisecond {
		t.Fatalf("backoff not capped: %v", b.next)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newBackoff(time.Second, time.Second).wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := withJitter(100 * time.Millisecond)
		if d < 80*time.Millisecond || d >= 120*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
