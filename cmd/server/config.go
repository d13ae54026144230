package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/local-chat-ui/internal/runtime"
	"gopkg.in/yaml.v3"
)

type runtimeConfig interface {
	runtime(systemPrompt string, logger *slog.Logger) (runtime.Runtime, error)
}

// BaseRuntimeConfig contains the common fields for all runtime configurations.
type BaseRuntimeConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port         string        `yaml:"port"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Runtime      runtimeConfig `yaml:"runtime"`
}

type ollamaConfig struct {
	BaseRuntimeConfig `yaml:",inline"`
	Host              string `yaml:"host"`
}

type openAIConfig struct {
	BaseRuntimeConfig `yaml:",inline"`
	BaseURL           string `yaml:"baseURL"`
	APIKey            string `yaml:"apiKey"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		Model        string         `yaml:"model"`
		SystemPrompt string         `yaml:"systemPrompt"`
		Runtime      map[string]any `yaml:"runtime"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Model = rawConfig.Model
	c.SystemPrompt = rawConfig.SystemPrompt

	provider, ok := rawConfig.Runtime["provider"].(string)
	if !ok {
		return fmt.Errorf("runtime provider is required")
	}

	runtimeRawYAML, err := yaml.Marshal(rawConfig.Runtime)
	if err != nil {
		return err
	}

	var rt runtimeConfig
	switch provider {
	case "ollama":
		rt = &ollamaConfig{}
	case "openai":
		rt = &openAIConfig{}
	default:
		return fmt.Errorf("unknown runtime provider: %s", provider)
	}

	if err := yaml.Unmarshal(runtimeRawYAML, rt); err != nil {
		return err
	}

	c.Runtime = rt

	return nil
}

func (o ollamaConfig) runtime(systemPrompt string, logger *slog.Logger) (runtime.Runtime, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return runtime.NewOllama(host, systemPrompt, logger), nil
}

func (o openAIConfig) runtime(systemPrompt string, logger *slog.Logger) (runtime.Runtime, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && o.BaseURL == "" {
		return nil, fmt.Errorf("apiKey is required when no baseURL is set")
	}
	return runtime.NewOpenAI(apiKey, o.BaseURL, systemPrompt, logger), nil
}
