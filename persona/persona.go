// Package persona loads agent persona definitions from YAML. A persona bundles
// the system prompt, tool allowlist and model settings for a session; when no
// persona file is configured the runner falls back to built-in defaults.
package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona describes the agent configuration for a session.
type Persona struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"systemPrompt"`
	AllowedTools []string `yaml:"allowedTools"`
	Model        string   `yaml:"model"`
	MaxTurns     int      `yaml:"maxTurns"`
}

// Load reads and parses a persona file.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("persona file %s: name is required", path)
	}
	return &p, nil
}
