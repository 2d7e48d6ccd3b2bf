package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/ai"
	cfgpkg "github.com/KaramelBytes/edaloom/internal/config"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/logging"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/prompts"
	"github.com/KaramelBytes/edaloom/internal/session"
)

var (
	cfgFile  string
	debug    bool
	logLevel string
	// Retry/HTTP flags (override config if set)
	flagHTTPTimeoutSec   int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMs int
	flagRetryMaxDelayMs  int
	// Runtime selection
	flagProvider   string
	flagOllamaHost string

	// Loaded configuration
	cfg    *cfgpkg.Global
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "edaloom",
	Short: "edaloom: LLM-assisted exploratory data analysis",
	Long: `edaloom loads a tabular dataset, summarizes it locally and asks local or hosted
language models to describe its columns, plan metrics, interpret the computed
results and write plotting code. Generated code is saved, never executed.`,
	SilenceUsage: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	defer func() { _ = logger.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		if h := errorHint(err); h != "" {
			fmt.Fprintln(os.Stderr, "  Hint:", h)
		}
		os.Exit(1)
	}
}

// errorHint suggests a fix for errors the user can act on.
func errorHint(err error) string {
	var (
		ue  *ai.UnreachableError
		mnf *ai.ModelNotFoundError
		ae  *ai.AuthError
		rl  *ai.RateLimitError
	)
	switch {
	case errors.As(err, &ue):
		return fmt.Sprintf("Ollama not reachable at %s; start it with `ollama serve` or pass --ollama-host", ue.Host)
	case errors.As(err, &mnf):
		return "pull the model with `ollama pull <model>` or set analyst_model/coder_model"
	case errors.As(err, &ae):
		return "set gemini_api_key (or GEMINI_API_KEY) to a valid key"
	case errors.As(err, &rl):
		return "the provider is throttling requests; retry later or raise --retry-max"
	case errors.Is(err, dataset.ErrUnsupportedFormat):
		return "convert the file to one of supported_formats (see `edaloom config show`)"
	case errors.Is(err, dataset.ErrTooLarge):
		return "raise max_file_size_mb or sample the file first"
	}
	return ""
}

func init() {
	cobra.OnInitialize(loadConfig)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ~/.edaloom/config.yaml)")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	pf.IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "HTTP client timeout in seconds (overrides config)")
	pf.IntVar(&flagRetryMaxAttempts, "retry-max", 0, "max retry attempts on 429/5xx (overrides config)")
	pf.IntVar(&flagRetryBaseDelayMs, "retry-base-ms", 0, "base retry backoff in ms (overrides config)")
	pf.IntVar(&flagRetryMaxDelayMs, "retry-max-ms", 0, "max retry backoff cap in ms (overrides config)")
	pf.StringVar(&flagProvider, "provider", "", "model runtime: ollama|gemini (overrides config)")
	pf.StringVar(&flagOllamaHost, "ollama-host", "", "Ollama base URL (overrides config)")
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c

	f := rootCmd.PersistentFlags()
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		cfg.HTTPTimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("retry-max") && flagRetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = flagRetryMaxAttempts
	}
	if f.Changed("retry-base-ms") && flagRetryBaseDelayMs > 0 {
		cfg.RetryBaseDelayMs = flagRetryBaseDelayMs
	}
	if f.Changed("retry-max-ms") && flagRetryMaxDelayMs > 0 {
		cfg.RetryMaxDelayMs = flagRetryMaxDelayMs
	}
	if f.Changed("provider") && flagProvider != "" {
		cfg.Provider = ai.NormalizeProvider(flagProvider)
	}
	if f.Changed("ollama-host") && flagOllamaHost != "" {
		cfg.OllamaHost = flagOllamaHost
	}
	if f.Changed("log-level") && logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	l, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠ Warning: %v; logging disabled\n", err)
		return
	}
	logger = l
}

// requireConfig returns the loaded config or the load error as a command error.
func requireConfig() (*cfgpkg.Global, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = c
	return cfg, nil
}

// modelSpecs binds the analyst and coder roles for the configured provider.
func modelSpecs(c *cfgpkg.Global) (analyst, coder ai.ModelSpec) {
	provider := ai.NormalizeProvider(c.Provider)
	analyst = ai.ModelSpec{Provider: provider, Model: c.AnalystModel, Temperature: c.AnalystTemperature, MaxTokens: c.MaxTokens}
	coder = ai.ModelSpec{Provider: provider, Model: c.CoderModel, Temperature: c.CoderTemperature, MaxTokens: c.MaxTokens}
	if provider == ai.ProviderGemini && c.GeminiModel != "" {
		analyst.Model, coder.Model = c.GeminiModel, c.GeminiModel
	}
	return analyst, coder
}

func runtimeConfig(c *cfgpkg.Global) ai.RuntimeConfig {
	return ai.RuntimeConfig{
		HTTPTimeout: time.Duration(c.HTTPTimeoutSec) * time.Second,
		RetryMax:    c.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		Logger:      logger,
		Host:        c.OllamaHost,
		APIKey:      c.GeminiAPIKey,
	}
}

// newPipeline wires role handles and the prompt catalog from config. The
// caller closes the returned handles.
func newPipeline(c *cfgpkg.Global) (*pipeline.Pipeline, *ai.Handles, error) {
	catalog, err := prompts.Load(c.PromptsFile)
	if err != nil {
		return nil, nil, err
	}
	analyst, coder := modelSpecs(c)
	h := ai.NewHandles(runtimeConfig(c), analyst, coder)
	p := pipeline.New(h, logger)
	p.Catalog = catalog
	p.ModelSpecs = map[ai.Role]ai.ModelSpec{ai.RoleAnalyst: analyst, ai.RoleCoder: coder}
	p.MaxRetries = c.ProtocolRetries
	if c.NumPlots > 0 {
		p.NumPlots = c.NumPlots
	}
	return p, h, nil
}

func sessionsDir(c *cfgpkg.Global) string {
	return filepath.Join(c.OutputDir, "sessions")
}

func openStore(c *cfgpkg.Global) (*session.Store, error) {
	return session.Open(sessionsDir(c), logger)
}
