package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Global configuration structure.
type Global struct {
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Role models
	AnalystModel       string  `mapstructure:"analyst_model" yaml:"analyst_model"`
	AnalystTemperature float64 `mapstructure:"analyst_temperature" yaml:"analyst_temperature"`
	CoderModel         string  `mapstructure:"coder_model" yaml:"coder_model"`
	CoderTemperature   float64 `mapstructure:"coder_temperature" yaml:"coder_temperature"`
	MaxTokens          int     `mapstructure:"max_tokens" yaml:"max_tokens"`

	// HTTP/Retry configuration
	HTTPTimeoutSec   int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`

	// Local runtime (Ollama)
	OllamaHost string `mapstructure:"ollama_host" yaml:"ollama_host"`

	// Gemini
	GeminiAPIKey string `mapstructure:"gemini_api_key" yaml:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model" yaml:"gemini_model"`

	// Pipeline
	PromptsFile             string   `mapstructure:"prompts_file" yaml:"prompts_file"`
	NumPlots                int      `mapstructure:"num_plots" yaml:"num_plots"`
	ProtocolRetries         int      `mapstructure:"protocol_retries" yaml:"protocol_retries"`
	CodeExecutionTimeoutSec int      `mapstructure:"code_execution_timeout_sec" yaml:"code_execution_timeout_sec"`
	MaxFileSizeMB           int      `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	SupportedFormats        []string `mapstructure:"supported_formats" yaml:"supported_formats"`
	OutputDir               string   `mapstructure:"output_dir" yaml:"output_dir"`

	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// HTTP API
	ServeAddr         string `mapstructure:"serve_addr" yaml:"serve_addr"`
	SessionTTLMinutes int    `mapstructure:"session_ttl_minutes" yaml:"session_ttl_minutes"`
}

// legacyEnv lists environment variable names accepted in addition to the
// EDALOOM_ prefixed form.
var legacyEnv = map[string][]string{
	"ollama_host":                {"OLLAMA_BASE_URL", "OLLAMA_HOST"},
	"analyst_model":              {"OLLAMA_MODEL_ANALYST"},
	"analyst_temperature":        {"OLLAMA_TEMPERATURE_ANALYST"},
	"coder_model":                {"OLLAMA_MODEL_CODER"},
	"coder_temperature":          {"OLLAMA_TEMPERATURE_CODER"},
	"gemini_api_key":             {"GEMINI_API_KEY"},
	"log_level":                  {"LOG_LEVEL"},
	"output_dir":                 {"OUTPUT_DIR"},
	"max_file_size_mb":           {"MAX_FILE_SIZE_MB"},
	"code_execution_timeout_sec": {"CODE_EXECUTION_TIMEOUT"},
	"num_plots":                  {"DEFAULT_NUM_PLOTS"},
}

// Dir returns ~/.edaloom.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".edaloom"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.edaloom/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	path := cfgFile
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load loads configuration from file, env, and defaults.
// Precedence: env > config file > defaults; a .env file in the working
// directory seeds env without overriding variables already set.
func Load(cfgFile string) (*Global, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("EDALOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		args := append([]string{key, "EDALOOM_" + strings.ToUpper(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	// the default config file is optional; an explicit one is not
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing || cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	for i, f := range c.SupportedFormats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		c.SupportedFormats[i] = f
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "ollama")
	v.SetDefault("analyst_model", "llama2:latest")
	v.SetDefault("analyst_temperature", 0.55)
	v.SetDefault("coder_model", "qwen3-coder:latest")
	v.SetDefault("coder_temperature", 0.2)
	v.SetDefault("max_tokens", 0)
	// HTTP/retry defaults
	v.SetDefault("http_timeout_sec", 120)
	v.SetDefault("retry_max_attempts", 2)
	v.SetDefault("retry_base_delay_ms", 200)
	v.SetDefault("retry_max_delay_ms", 2000)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("gemini_model", "gemini-1.5-flash")
	// Pipeline defaults
	v.SetDefault("num_plots", 30)
	v.SetDefault("protocol_retries", 1)
	v.SetDefault("code_execution_timeout_sec", 300)
	v.SetDefault("max_file_size_mb", 100)
	v.SetDefault("supported_formats", []string{".csv", ".tsv", ".xlsx", ".json", ".txt"})
	v.SetDefault("output_dir", "./outputs")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("serve_addr", ":8080")
	v.SetDefault("session_ttl_minutes", 120)
}

// MaxFileSizeBytes returns the upload/ingest limit in bytes; 0 disables it.
func (c *Global) MaxFileSizeBytes() int64 {
	if c == nil || c.MaxFileSizeMB <= 0 {
		return 0
	}
	return int64(c.MaxFileSizeMB) << 20
}

// Supports reports whether the file extension is in SupportedFormats.
func (c *Global) Supports(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range c.SupportedFormats {
		if f == ext {
			return true
		}
	}
	return false
}
