package ai

import (
	"context"
	"fmt"
	"strings"
)

// Runtime is implemented by model backends (Ollama, Gemini).
type Runtime interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// StreamRuntime is an optional extension that supports streaming output.
// Implementors invoke onDelta with each partial content chunk.
type StreamRuntime interface {
	GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string)) error
}

// Provider identifiers used for runtime selection.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderGoogle = "google"
	ProviderLocal  = "local"
)

// NormalizeProvider folds aliases onto the registered provider names.
func NormalizeProvider(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", ProviderOllama, ProviderLocal:
		return ProviderOllama
	case ProviderGemini, ProviderGoogle:
		return ProviderGemini
	default:
		return strings.ToLower(strings.TrimSpace(p))
	}
}

// Role selects which configured model a request goes to.
type Role string

const (
	// RoleAnalyst drafts structure analyses, metric plans and narrative text.
	RoleAnalyst Role = "analyst"
	// RoleCoder drafts Python code.
	RoleCoder Role = "coder"
)

// ParseRole accepts "analyst" or "coder" in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAnalyst:
		return RoleAnalyst, nil
	case RoleCoder:
		return RoleCoder, nil
	}
	return "", fmt.Errorf("unknown role %q (want analyst or coder)", s)
}

// ModelSpec pins a provider, model name and sampling temperature.
type ModelSpec struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Request builds a single user-message request for this model.
func (m ModelSpec) Request(prompt string) GenerateRequest {
	return UserPrompt(m.Model, prompt, m.Temperature, m.MaxTokens)
}
