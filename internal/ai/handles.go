package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type handleKey struct {
	provider    string
	host        string
	model       string
	httpTimeout time.Duration
	retryMax    int
}

// Handles caches runtimes so each configuration gets at most one live client.
// Safe for concurrent use.
type Handles struct {
	mu      sync.Mutex
	cfg     RuntimeConfig
	roles   map[Role]ModelSpec
	entries map[handleKey]Runtime
	build   func(provider string, cfg RuntimeConfig) (Runtime, error)
	log     *zap.Logger
}

// NewHandles binds role models to a shared runtime config.
func NewHandles(cfg RuntimeConfig, analyst, coder ModelSpec) *Handles {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handles{
		cfg:     cfg,
		roles:   map[Role]ModelSpec{RoleAnalyst: analyst, RoleCoder: coder},
		entries: map[handleKey]Runtime{},
		build:   GetRuntime,
		log:     log,
	}
}

// Spec returns the model bound to role.
func (h *Handles) Spec(role Role) (ModelSpec, bool) {
	s, ok := h.roles[role]
	return s, ok
}

// Get returns the cached runtime for spec under cfg, building it on first use.
func (h *Handles) Get(spec ModelSpec, cfg RuntimeConfig) (Runtime, error) {
	key := handleKey{
		provider:    NormalizeProvider(spec.Provider),
		host:        cfg.Host,
		model:       spec.Model,
		httpTimeout: cfg.HTTPTimeout,
		retryMax:    cfg.RetryMax,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rt, ok := h.entries[key]; ok {
		return rt, nil
	}
	rt, err := h.build(key.provider, cfg)
	if err != nil {
		return nil, err
	}
	h.log.Debug("runtime created", zap.String("provider", key.provider), zap.String("model", key.model))
	h.entries[key] = rt
	return rt, nil
}

// Runtime returns the runtime serving role.
func (h *Handles) Runtime(role Role) (Runtime, ModelSpec, error) {
	spec, ok := h.roles[role]
	if !ok {
		return nil, ModelSpec{}, fmt.Errorf("no model configured for role %q", role)
	}
	rt, err := h.Get(spec, h.cfg)
	return rt, spec, err
}

// Complete sends prompt to the model bound to role and returns the reply text.
func (h *Handles) Complete(ctx context.Context, role Role, prompt string) (string, error) {
	return h.CompleteStream(ctx, role, prompt, nil)
}

// CompleteStream is Complete with incremental delivery when onDelta is set and
// the runtime supports streaming.
func (h *Handles) CompleteStream(ctx context.Context, role Role, prompt string, onDelta func(string)) (string, error) {
	rt, spec, err := h.Runtime(role)
	if err != nil {
		return "", err
	}
	req := spec.Request(prompt)
	start := time.Now()
	if sr, ok := rt.(StreamRuntime); ok && onDelta != nil {
		var buf []byte
		err := sr.GenerateStream(ctx, req, func(d string) {
			buf = append(buf, d...)
			onDelta(d)
		})
		if err != nil {
			return "", err
		}
		h.log.Debug("completion streamed", zap.String("role", string(role)), zap.Duration("elapsed", time.Since(start)))
		return string(buf), nil
	}
	resp, err := rt.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	h.log.Debug("completion received",
		zap.String("role", string(role)),
		zap.String("model", spec.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))
	return resp.Text(), nil
}

// Close releases runtimes that hold connections.
func (h *Handles) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for k, rt := range h.entries {
		if c, ok := rt.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(h.entries, k)
	}
	return first
}
