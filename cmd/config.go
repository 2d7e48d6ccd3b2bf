package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/ai"
	cfgpkg "github.com/KaramelBytes/edaloom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or set edaloom configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if cfg == nil {
			fmt.Fprintln(out, "No config loaded")
			return nil
		}
		fmt.Fprintf(out, "provider: %s\n", cfg.Provider)
		fmt.Fprintf(out, "analyst_model: %s\n", cfg.AnalystModel)
		fmt.Fprintf(out, "analyst_temperature: %.3f\n", cfg.AnalystTemperature)
		fmt.Fprintf(out, "coder_model: %s\n", cfg.CoderModel)
		fmt.Fprintf(out, "coder_temperature: %.3f\n", cfg.CoderTemperature)
		fmt.Fprintf(out, "max_tokens: %d\n", cfg.MaxTokens)
		fmt.Fprintf(out, "ollama_host: %s\n", cfg.OllamaHost)
		if cfg.GeminiAPIKey != "" {
			fmt.Fprintf(out, "gemini_api_key: %s\n", mask(cfg.GeminiAPIKey))
		}
		fmt.Fprintf(out, "gemini_model: %s\n", cfg.GeminiModel)
		if cfg.PromptsFile != "" {
			fmt.Fprintf(out, "prompts_file: %s\n", cfg.PromptsFile)
		}
		fmt.Fprintf(out, "num_plots: %d\n", cfg.NumPlots)
		fmt.Fprintf(out, "protocol_retries: %d\n", cfg.ProtocolRetries)
		fmt.Fprintf(out, "max_file_size_mb: %d\n", cfg.MaxFileSizeMB)
		fmt.Fprintf(out, "supported_formats: %s\n", strings.Join(cfg.SupportedFormats, ","))
		fmt.Fprintf(out, "output_dir: %s\n", cfg.OutputDir)
		fmt.Fprintf(out, "http_timeout_sec: %d\n", cfg.HTTPTimeoutSec)
		fmt.Fprintf(out, "retry_max_attempts: %d\n", cfg.RetryMaxAttempts)
		fmt.Fprintf(out, "log_level: %s\n", cfg.LogLevel)
		fmt.Fprintf(out, "log_format: %s\n", cfg.LogFormat)
		fmt.Fprintf(out, "serve_addr: %s\n", cfg.ServeAddr)
		fmt.Fprintf(out, "session_ttl_minutes: %d\n", cfg.SessionTTLMinutes)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value and save to disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		c, err := requireConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(c, key, val); err != nil {
			return err
		}
		if err := cfgpkg.Save(c, cfgFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Saved config")
		return nil
	},
}

func setConfigValue(c *cfgpkg.Global, key, val string) error {
	atoi := func() (int, error) {
		i, err := strconv.Atoi(val)
		if err != nil || i < 0 {
			return 0, fmt.Errorf("invalid non-negative int for %s: %v", key, val)
		}
		return i, nil
	}
	temp := func() (float64, error) {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f < 0 || f > 2 {
			return 0, fmt.Errorf("invalid temperature for %s: %v (use 0..2)", key, val)
		}
		return f, nil
	}
	var err error
	switch key {
	case "provider":
		p := ai.NormalizeProvider(val)
		if p != ai.ProviderOllama && p != ai.ProviderGemini {
			return fmt.Errorf("invalid provider: %s (use ollama or gemini)", val)
		}
		c.Provider = p
	case "analyst_model":
		c.AnalystModel = val
	case "analyst_temperature":
		c.AnalystTemperature, err = temp()
	case "coder_model":
		c.CoderModel = val
	case "coder_temperature":
		c.CoderTemperature, err = temp()
	case "max_tokens":
		c.MaxTokens, err = atoi()
	case "ollama_host":
		c.OllamaHost = val
	case "gemini_api_key":
		c.GeminiAPIKey = val
	case "gemini_model":
		c.GeminiModel = val
	case "prompts_file":
		c.PromptsFile = val
	case "num_plots":
		c.NumPlots, err = atoi()
	case "protocol_retries":
		c.ProtocolRetries, err = atoi()
	case "max_file_size_mb":
		c.MaxFileSizeMB, err = atoi()
	case "supported_formats":
		var formats []string
		for _, f := range strings.Split(val, ",") {
			f = strings.ToLower(strings.TrimSpace(f))
			if f == "" {
				continue
			}
			if !strings.HasPrefix(f, ".") {
				f = "." + f
			}
			formats = append(formats, f)
		}
		c.SupportedFormats = formats
	case "output_dir":
		c.OutputDir = val
	case "http_timeout_sec":
		c.HTTPTimeoutSec, err = atoi()
	case "retry_max_attempts":
		c.RetryMaxAttempts, err = atoi()
	case "log_level":
		c.LogLevel = val
	case "log_format":
		if val != "console" && val != "json" {
			return fmt.Errorf("invalid log_format: %s (use console or json)", val)
		}
		c.LogFormat = val
	case "serve_addr":
		c.ServeAddr = val
	case "session_ttl_minutes":
		c.SessionTTLMinutes, err = atoi()
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return err
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "******"
	}
	return s[:3] + "****" + s[len(s)-3:]
}
