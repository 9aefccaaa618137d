// Package providers turns configuration into the ordered backend registry.
package providers

import (
	"net/http"

	"inferbench/internal/backend"
	"inferbench/internal/backend/ollama"
	"inferbench/internal/backend/openaicompat"
	"inferbench/internal/config"
	"inferbench/internal/logging"
)

// Kind selects the adapter a preset uses.
type Kind int

const (
	OpenAICompatible Kind = iota
	Ollama
)

// Preset is a known backend with its defaults.
type Preset struct {
	ID          string
	DisplayName string
	Kind        Kind
	BaseURL     string
	Model       string
	Keyless     bool
	Headers     map[string]string
}

// Presets lists the built-in backends in registry order: specialized
// inference hardware, GPU clouds, other hosted APIs, aggregators, then
// self-hosted endpoints.
var Presets = []Preset{
	{ID: "cerebras", DisplayName: "Cerebras", BaseURL: "https://api.cerebras.ai/v1", Model: "llama3.1-8b"},
	{ID: "groq", DisplayName: "Groq", BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.1-8b-instant"},
	{ID: "sambanova", DisplayName: "SambaNova", BaseURL: "https://api.sambanova.ai/v1", Model: "Meta-Llama-3.1-70B-Instruct"},
	{ID: "fireworks", DisplayName: "Fireworks", BaseURL: "https://api.fireworks.ai/inference/v1", Model: "accounts/fireworks/models/llama-v3p1-8b-instruct"},
	{ID: "together", DisplayName: "Together", BaseURL: "https://api.together.xyz/v1", Model: "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo"},
	{ID: "deepseek", DisplayName: "DeepSeek", BaseURL: "https://api.deepseek.com", Model: "deepseek-chat"},
	{ID: "zai", DisplayName: "Z.ai", BaseURL: "https://api.z.ai/api/paas/v4", Model: "glm-4-flash"},
	{ID: "moonshot", DisplayName: "Moonshot", BaseURL: "https://api.moonshot.cn/v1", Model: "moonshot-v1-8k"},
	{ID: "openrouter", DisplayName: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1", Model: "meta-llama/llama-3.1-8b-instruct",
		Headers: map[string]string{"HTTP-Referer": "https://github.com/inferbench/inferbench", "X-Title": "inferbench"}},
	{ID: "litellm", DisplayName: "LiteLLM", Keyless: true},
	{ID: "openai-compatible", DisplayName: "OpenAI Compatible", Keyless: true},
	{ID: "local", DisplayName: "Local (Ollama)", Kind: Ollama, BaseURL: ollama.DefaultURL, Model: ollama.DefaultModel},
	{ID: "local-rtx", DisplayName: "Local RTX (Ollama)", Kind: Ollama, Model: ollama.DefaultModel},
}

// Build creates the registry: every preset in order, then any bindings found
// in VCAP_SERVICES. Configuration overrides preset base URLs and models.
func Build(cfg *config.Config, httpClient *http.Client, logger *logging.Logger) *backend.Registry {
	reg := backend.NewRegistry()
	for _, p := range Presets {
		reg.Register(p.New(cfg.Backend(p.ID), httpClient))
	}

	if cfg.VCAPServices != "" {
		bindings, err := ParseVCAP(cfg.VCAPServices)
		if err != nil {
			logger.WarnWithFields("Ignoring VCAP_SERVICES", map[string]any{"error": err})
		}
		for _, b := range bindings {
			reg.Register(b.Backend(httpClient))
			logger.InfoWithFields("Discovered service binding", map[string]any{
				"backend": b.ID(),
				"plan":    b.Plan,
				"models":  len(b.Models),
			})
		}
	}
	return reg
}

// New builds the preset's backend with overrides applied.
func (p Preset) New(override config.BackendConfig, httpClient *http.Client) backend.Backend {
	env := config.CredentialEnv[p.ID]
	baseURL := p.BaseURL
	if override.BaseURL != "" {
		baseURL = override.BaseURL
	}
	model := p.Model
	if override.Model != "" {
		model = override.Model
	}

	if p.Kind == Ollama {
		return ollama.New(ollama.Config{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			BaseURL:     baseURL,
			Model:       model,
			URLEnv:      env.BaseURL,
			HTTPClient:  httpClient,
		})
	}
	return openaicompat.New(openaicompat.Config{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		BaseURL:     baseURL,
		APIKey:      override.APIKey,
		Model:       model,
		KeyEnv:      env.APIKey,
		URLEnv:      env.BaseURL,
		Keyless:     p.Keyless,
		Headers:     p.Headers,
		HTTPClient:  httpClient,
	})
}
