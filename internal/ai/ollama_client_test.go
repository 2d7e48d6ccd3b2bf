package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestOllamaGenerateSuccess(t *testing.T) {
	var got ollamaChatRequest
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "###COLUMNS_START###"},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        3,
		})
	}))

	c := NewOllamaClient(srv.URL+"/", 2*time.Second, 1, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Generate(ctx, UserPrompt("llama2:latest", "describe", 0.55, 16))
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if resp.Text() != "###COLUMNS_START###" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Fatalf("usage not mapped: %+v", resp.Usage)
	}
	if got.Stream || got.Model != "llama2:latest" || got.Options["temperature"] != 0.55 || got.Options["num_predict"] != float64(16) {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestOllamaGenerateRetriesServerErrors(t *testing.T) {
	srv := chatSequence(t, []int{503, 500, 200}, "ok")
	c := NewOllamaClient(srv.URL, 2*time.Second, 3, time.Millisecond, 5*time.Millisecond)
	resp, err := c.Generate(context.Background(), UserPrompt("m", "hi", 0, 0))
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if resp.Text() != "ok" || srv.Hits() != 3 {
		t.Fatalf("text=%q hits=%d", resp.Text(), srv.Hits())
	}
}

func TestOllamaGenerateRetriesRateLimit(t *testing.T) {
	srv := chatSequence(t, []int{429, 200}, "ok")
	c := NewOllamaClient(srv.URL, 2*time.Second, 2, time.Millisecond, 5*time.Millisecond)
	if _, err := c.Generate(context.Background(), UserPrompt("m", "hi", 0, 0)); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if srv.Hits() != 2 {
		t.Fatalf("hits = %d", srv.Hits())
	}
}

func TestOllamaGenerateBadRequestNotRetried(t *testing.T) {
	srv := chatSequence(t, []int{400}, "")
	c := NewOllamaClient(srv.URL, 2*time.Second, 3, time.Millisecond, time.Millisecond)
	_, err := c.Generate(context.Background(), UserPrompt("m", "hi", 0, 0))
	var bre *BadRequestError
	if !errors.As(err, &bre) {
		t.Fatalf("expected BadRequestError, got %T: %v", err, err)
	}
	if srv.Hits() != 1 {
		t.Fatalf("bad request retried: hits=%d", srv.Hits())
	}
}

func TestOllamaGenerateModelNotFound(t *testing.T) {
	srv := chatSequence(t, []int{404}, "")
	c := NewOllamaClient(srv.URL, 2*time.Second, 1, 0, 0)
	_, err := c.Generate(context.Background(), UserPrompt("missing:latest", "hi", 0, 0))
	var nf *ModelNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ModelNotFoundError, got %T: %v", err, err)
	}
}

func TestOllamaGenerateUnreachable(t *testing.T) {
	srv := chatSequence(t, []int{200}, "")
	url := srv.URL
	srv.Close()
	c := NewOllamaClient(url, time.Second, 1, 0, 0)
	_, err := c.Generate(context.Background(), UserPrompt("m", "hi", 0, 0))
	if !IsUnreachable(err) {
		t.Fatalf("expected UnreachableError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), url) {
		t.Fatalf("host missing from error: %v", err)
	}
}

func TestOllamaGenerateEmptyRequest(t *testing.T) {
	c := NewOllamaClient("", time.Second, 1, 0, 0)
	if c.Host() != defaultOllamaHost {
		t.Fatalf("host = %q", c.Host())
	}
	if _, err := c.Generate(context.Background(), GenerateRequest{Model: "m"}); err == nil || err.Error() != "messages cannot be empty" {
		t.Fatalf("expected 'messages cannot be empty', got %v", err)
	}
	if err := c.GenerateStream(context.Background(), GenerateRequest{Messages: []Message{{Content: "x"}}}, nil); err == nil || err.Error() != "model cannot be empty" {
		t.Fatalf("expected 'model cannot be empty', got %v", err)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("stream flag not set")
		}
		enc := json.NewEncoder(w)
		for _, part := range []string{"The ", "data ", "is clean."} {
			_ = enc.Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": part}})
		}
		_ = enc.Encode(map[string]any{"done": true})
	}))
	c := NewOllamaClient(srv.URL, 2*time.Second, 1, 0, 0)
	var sb strings.Builder
	if err := c.GenerateStream(context.Background(), UserPrompt("m", "hi", 0, 0), func(d string) { sb.WriteString(d) }); err != nil {
		t.Fatalf("GenerateStream error: %v", err)
	}
	if sb.String() != "The data is clean." {
		t.Fatalf("stream = %q", sb.String())
	}
}
