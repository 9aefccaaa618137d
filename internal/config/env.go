package config

import "sort"

// BackendEnv names the environment variables that configure one backend.
type BackendEnv struct {
	APIKey  string
	BaseURL string
	Model   string
}

// CredentialEnv maps backend identifiers to their conventional variables.
var CredentialEnv = map[string]BackendEnv{
	"cerebras":          {APIKey: "CEREBRAS_API_KEY", Model: "CEREBRAS_MODEL"},
	"groq":              {APIKey: "GROQ_API_KEY", Model: "GROQ_MODEL"},
	"sambanova":         {APIKey: "SAMBANOVA_API_KEY", Model: "SAMBANOVA_MODEL"},
	"fireworks":         {APIKey: "FIREWORKS_API_KEY", Model: "FIREWORKS_MODEL"},
	"together":          {APIKey: "TOGETHER_API_KEY", Model: "TOGETHER_MODEL"},
	"deepseek":          {APIKey: "DEEPSEEK_API_KEY", Model: "DEEPSEEK_MODEL"},
	"zai":               {APIKey: "ZAI_API_KEY", Model: "ZAI_MODEL"},
	"moonshot":          {APIKey: "MOONSHOT_API_KEY", Model: "MOONSHOT_MODEL"},
	"openrouter":        {APIKey: "OPENROUTER_API_KEY", Model: "OPENROUTER_MODEL"},
	"litellm":           {APIKey: "LITELLM_API_KEY", BaseURL: "LITELLM_URL", Model: "LITELLM_MODEL"},
	"openai-compatible": {APIKey: "OPENAI_COMPATIBLE_KEY", BaseURL: "OPENAI_COMPATIBLE_URL", Model: "OPENAI_COMPATIBLE_MODEL"},
	"local":             {BaseURL: "OLLAMA_URL", Model: "OLLAMA_MODEL"},
	"local-rtx":         {BaseURL: "OLLAMA_RTX_URL", Model: "OLLAMA_RTX_MODEL"},
}

// EnvBackends lists the identifiers in CredentialEnv, sorted.
func EnvBackends() []string {
	ids := make([]string, 0, len(CredentialEnv))
	for id := range CredentialEnv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
