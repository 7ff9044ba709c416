package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config is the runner configuration, sourced from the environment the
// session controller injects into the job pod.
type Config struct {
	// SessionName is the agentic session resource name.
	SessionName string
	// Namespace is the project namespace the session belongs to.
	Namespace string
	// Prompt is the user task for this session.
	Prompt string

	// AnthropicAPIKey authenticates against the Anthropic API.
	AnthropicAPIKey string
	// Model is the Claude model identifier.
	Model string
	// MaxTurns bounds the agentic loop.
	MaxTurns int
	// InputCostPerMTok and OutputCostPerMTok enable cost reporting when set
	// (USD per million tokens).
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	// BackendAPIURL is the backend API root for status reports.
	BackendAPIURL string
	// ContentAPIURL is the content service root. Defaults to BackendAPIURL.
	ContentAPIURL string
	// BotToken authenticates backend and content requests when set.
	BotToken string

	// MessagePath is the remote path the message log is flushed to.
	MessagePath string
	// WorkspacePath is the remote workspace root. Empty disables sync.
	WorkspacePath string
	// Workdir is the local working directory.
	Workdir string

	// PersonaPath points at an optional persona YAML file.
	PersonaPath string
	// Debug enables debug logging.
	Debug bool
}

const (
	defaultModel    = "claude-sonnet-4-5-20250929"
	defaultWorkdir  = "/workspace"
	defaultMaxTurns = 50
)

// FromEnv builds the configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		SessionName:     os.Getenv("AGENTIC_SESSION_NAME"),
		Namespace:       os.Getenv("AGENTIC_SESSION_NAMESPACE"),
		Prompt:          os.Getenv("PROMPT"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:           os.Getenv("ANTHROPIC_MODEL"),
		BackendAPIURL:   os.Getenv("BACKEND_API_URL"),
		ContentAPIURL:   os.Getenv("CONTENT_API_URL"),
		BotToken:        os.Getenv("BOT_TOKEN"),
		MessagePath:     os.Getenv("MESSAGE_STORE_PATH"),
		WorkspacePath:   os.Getenv("WORKSPACE_STORE_PATH"),
		Workdir:         os.Getenv("WORKDIR"),
		PersonaPath:     os.Getenv("PERSONA_PATH"),
		Debug:           os.Getenv("DEBUG") != "",
	}
	if cfg.SessionName == "" {
		return nil, errors.New("AGENTIC_SESSION_NAME is required")
	}
	if cfg.Prompt == "" {
		return nil, errors.New("PROMPT is required")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	if cfg.BackendAPIURL == "" {
		return nil, errors.New("BACKEND_API_URL is required")
	}
	if cfg.ContentAPIURL == "" {
		cfg.ContentAPIURL = cfg.BackendAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Workdir == "" {
		cfg.Workdir = defaultWorkdir
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = fmt.Sprintf("sessions/%s/messages.json", cfg.SessionName)
	}

	cfg.MaxTurns = defaultMaxTurns
	if v := os.Getenv("MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MAX_TURNS must be a positive integer, got %q", v)
		}
		cfg.MaxTurns = n
	}
	var err error
	if cfg.InputCostPerMTok, err = floatEnv("MODEL_INPUT_COST_PER_MTOK"); err != nil {
		return nil, err
	}
	if cfg.OutputCostPerMTok, err = floatEnv("MODEL_OUTPUT_COST_PER_MTOK"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func floatEnv(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}
