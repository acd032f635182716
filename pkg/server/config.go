package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the flattened runtime configuration. Secrets never
// appear here via the config file; they come from the environment only.
type ServerConfig struct {
	HTTPPort    int
	MetricsPort int
	FlagDBPath  string

	AuthSecret  string
	AuthTimeout time.Duration

	MinMessageSpacing    time.Duration
	MaxRateViolations    int
	MaxContentViolations int
	MaxMessageLength     int

	ToxicityEndpoint  string
	ToxicityAPIKey    string
	ToxicityThreshold float64
	ModerationTimeout time.Duration
	ExtraWords        []string

	CommandPrefix       string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	CompletionMaxTokens int
	CompletionTimeout   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:    12345,
		MetricsPort: 9090,
		FlagDBPath:  "~/.safetalk/flagged.db",

		AuthTimeout: 10 * time.Second,

		MinMessageSpacing:    time.Second,
		MaxRateViolations:    5,
		MaxContentViolations: 3,
		MaxMessageLength:     200,

		ToxicityEndpoint:  "https://api-inference.huggingface.co/models/unitary/toxic-bert",
		ToxicityThreshold: 0.5,
		ModerationTimeout: 10 * time.Second,

		CommandPrefix:       "/ai ",
		OpenAIModel:         "gpt-3.5-turbo",
		CompletionMaxTokens: 150,
		CompletionTimeout:   30 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Auth       AuthSection       `toml:"auth"`
	Limits     LimitsSection     `toml:"limits"`
	Moderation ModerationSection `toml:"moderation"`
	Assistant  AssistantSection  `toml:"assistant"`
}

type ServerSection struct {
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	FlagDBPath  string `toml:"flag_db_path"`
}

type AuthSection struct {
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

type LimitsSection struct {
	MinMessageSpacingMs  int `toml:"min_message_spacing_ms"`
	MaxRateViolations    int `toml:"max_rate_violations"`
	MaxContentViolations int `toml:"max_content_violations"`
	MaxMessageLength     int `toml:"max_message_length"`
}

type ModerationSection struct {
	ToxicityEndpoint      string   `toml:"toxicity_endpoint"`
	ToxicityThreshold     float64  `toml:"toxicity_threshold"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	ExtraWords            []string `toml:"extra_words"`
}

type AssistantSection struct {
	CommandPrefix         string `toml:"command_prefix"`
	Model                 string `toml:"model"`
	MaxTokens             int    `toml:"max_tokens"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	BaseURL               string `toml:"base_url"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:    defaults.HTTPPort,
			MetricsPort: defaults.MetricsPort,
			FlagDBPath:  defaults.FlagDBPath,
		},
		Auth: AuthSection{
			RequestTimeoutSeconds: int(defaults.AuthTimeout / time.Second),
		},
		Limits: LimitsSection{
			MinMessageSpacingMs:  int(defaults.MinMessageSpacing / time.Millisecond),
			MaxRateViolations:    defaults.MaxRateViolations,
			MaxContentViolations: defaults.MaxContentViolations,
			MaxMessageLength:     defaults.MaxMessageLength,
		},
		Moderation: ModerationSection{
			ToxicityEndpoint:      defaults.ToxicityEndpoint,
			ToxicityThreshold:     defaults.ToxicityThreshold,
			RequestTimeoutSeconds: int(defaults.ModerationTimeout / time.Second),
		},
		Assistant: AssistantSection{
			CommandPrefix:         defaults.CommandPrefix,
			Model:                 defaults.OpenAIModel,
			MaxTokens:             defaults.CompletionMaxTokens,
			RequestTimeoutSeconds: int(defaults.CompletionTimeout / time.Second),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SAFETALK_SECTION_KEY
// Example: SAFETALK_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("SAFETALK_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("SAFETALK_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("SAFETALK_SERVER_FLAG_DB_PATH"); val != "" {
		config.Server.FlagDBPath = val
	}

	// Auth section
	if val := os.Getenv("SAFETALK_AUTH_REQUEST_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Auth.RequestTimeoutSeconds = seconds
		}
	}

	// Limits section
	if val := os.Getenv("SAFETALK_LIMITS_MIN_MESSAGE_SPACING_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.MinMessageSpacingMs = ms
		}
	}
	if val := os.Getenv("SAFETALK_LIMITS_MAX_RATE_VIOLATIONS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxRateViolations = limit
		}
	}
	if val := os.Getenv("SAFETALK_LIMITS_MAX_CONTENT_VIOLATIONS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxContentViolations = limit
		}
	}
	if val := os.Getenv("SAFETALK_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}

	// Moderation section
	if val := os.Getenv("SAFETALK_MODERATION_TOXICITY_ENDPOINT"); val != "" {
		config.Moderation.ToxicityEndpoint = val
	}
	if val := os.Getenv("SAFETALK_MODERATION_TOXICITY_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil {
			config.Moderation.ToxicityThreshold = threshold
		}
	}
	if val := os.Getenv("SAFETALK_MODERATION_REQUEST_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Moderation.RequestTimeoutSeconds = seconds
		}
	}
	if val := os.Getenv("SAFETALK_MODERATION_EXTRA_WORDS"); val != "" {
		words := strings.Split(val, ",")
		for i, w := range words {
			words[i] = strings.TrimSpace(w)
		}
		config.Moderation.ExtraWords = words
	}

	// Assistant section
	if val := os.Getenv("SAFETALK_ASSISTANT_COMMAND_PREFIX"); val != "" {
		config.Assistant.CommandPrefix = val
	}
	if val := os.Getenv("SAFETALK_ASSISTANT_MODEL"); val != "" {
		config.Assistant.Model = val
	}
	if val := os.Getenv("SAFETALK_ASSISTANT_MAX_TOKENS"); val != "" {
		if tokens, err := strconv.Atoi(val); err == nil {
			config.Assistant.MaxTokens = tokens
		}
	}
	if val := os.Getenv("SAFETALK_ASSISTANT_REQUEST_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Assistant.RequestTimeoutSeconds = seconds
		}
	}
	if val := os.Getenv("SAFETALK_ASSISTANT_BASE_URL"); val != "" {
		config.Assistant.BaseURL = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Active settings use defaults, commented settings show available options
	content := `# SafeTalk Server Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change server behavior
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SAFETALK_SECTION_KEY (e.g., SAFETALK_SERVER_HTTP_PORT=8080)
#
# Secrets are NEVER read from this file. Set them in the environment:
#   SAFETALK_AUTH_SECRET      - HMAC secret for sign-in token verification
#   SAFETALK_TOXICITY_API_KEY - API key for the remote toxicity classifier
#   OPENAI_API_KEY            - API key for the assistant completion service

[server]
# Port for the public websocket endpoint (/ws)
http_port = 12345

# Port for the internal metrics endpoint (/metrics, /health) - do not expose
metrics_port = 9090

# Path to the SQLite database holding flagged messages
flag_db_path = "~/.safetalk/flagged.db"

[auth]
# Timeout for sign-in token verification in seconds
request_timeout_seconds = 10

[limits]
# Minimum milliseconds between accepted messages from one user
min_message_spacing_ms = 1000

# Rate violations before a ban
max_rate_violations = 5

# Blocked messages before a ban
max_content_violations = 3

# Maximum message length in characters
max_message_length = 200

[moderation]
# Remote toxicity classifier endpoint
toxicity_endpoint = "https://api-inference.huggingface.co/models/unitary/toxic-bert"

# Scores strictly above this are blocked
toxicity_threshold = 0.5

# Timeout for classifier requests in seconds
request_timeout_seconds = 10

# Extra words for the lexical filter, on top of the built-in list
# Uncomment to add your own:
# extra_words = ["example"]

[assistant]
# Chat prefix that invokes the assistant (matched case-insensitively)
command_prefix = "/ai "

# Completion model
model = "gpt-3.5-turbo"

# Maximum tokens per assistant reply
max_tokens = 150

# Timeout for completion requests in seconds
request_timeout_seconds = 30

# Override the completion API base URL (for proxies or compatible services)
# base_url = "https://api.openai.com/v1"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, folding in the
// environment-only secrets.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.FlagDBPath) != "" {
		cfg.FlagDBPath = c.Server.FlagDBPath
	}

	if c.Auth.RequestTimeoutSeconds != 0 {
		cfg.AuthTimeout = time.Duration(c.Auth.RequestTimeoutSeconds) * time.Second
	}

	if c.Limits.MinMessageSpacingMs != 0 {
		cfg.MinMessageSpacing = time.Duration(c.Limits.MinMessageSpacingMs) * time.Millisecond
	}
	if c.Limits.MaxRateViolations != 0 {
		cfg.MaxRateViolations = c.Limits.MaxRateViolations
	}
	if c.Limits.MaxContentViolations != 0 {
		cfg.MaxContentViolations = c.Limits.MaxContentViolations
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	if strings.TrimSpace(c.Moderation.ToxicityEndpoint) != "" {
		cfg.ToxicityEndpoint = c.Moderation.ToxicityEndpoint
	}
	if c.Moderation.ToxicityThreshold != 0 {
		cfg.ToxicityThreshold = c.Moderation.ToxicityThreshold
	}
	if c.Moderation.RequestTimeoutSeconds != 0 {
		cfg.ModerationTimeout = time.Duration(c.Moderation.RequestTimeoutSeconds) * time.Second
	}
	if len(c.Moderation.ExtraWords) > 0 {
		cfg.ExtraWords = c.Moderation.ExtraWords
	}

	if c.Assistant.CommandPrefix != "" {
		cfg.CommandPrefix = c.Assistant.CommandPrefix
	}
	if strings.TrimSpace(c.Assistant.Model) != "" {
		cfg.OpenAIModel = c.Assistant.Model
	}
	if c.Assistant.MaxTokens != 0 {
		cfg.CompletionMaxTokens = c.Assistant.MaxTokens
	}
	if c.Assistant.RequestTimeoutSeconds != 0 {
		cfg.CompletionTimeout = time.Duration(c.Assistant.RequestTimeoutSeconds) * time.Second
	}
	if strings.TrimSpace(c.Assistant.BaseURL) != "" {
		cfg.OpenAIBaseURL = c.Assistant.BaseURL
	}

	// Secrets come from the environment only
	cfg.AuthSecret = os.Getenv("SAFETALK_AUTH_SECRET")
	cfg.ToxicityAPIKey = os.Getenv("SAFETALK_TOXICITY_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	return cfg
}

// GetFlagDBPath returns the flag database path with ~ expanded
func (c *TOMLConfig) GetFlagDBPath() (string, error) {
	path := c.Server.FlagDBPath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
