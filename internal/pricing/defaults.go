package pricing

// defaultAsOf dates the built-in prices. Check provider websites for current rates.
const defaultAsOf = "2025-01"

// Default returns the built-in price list.
func Default() *Table {
	return NewTable(defaultAsOf, map[string]Backend{
		"cerebras": {Name: "Cerebras", Models: map[string]Entry{
			"llama3.1-8b":  {InputPerMillion: 0.10, OutputPerMillion: 0.10},
			"llama3.1-70b": {InputPerMillion: 0.60, OutputPerMillion: 0.60},
		}},
		"groq": {Name: "Groq", Models: map[string]Entry{
			"llama-3.1-8b-instant":    {InputPerMillion: 0.05, OutputPerMillion: 0.08},
			"llama-3.3-70b-versatile": {InputPerMillion: 0.59, OutputPerMillion: 0.79},
		}},
		"sambanova": {Name: "SambaNova", Models: map[string]Entry{
			"Meta-Llama-3.1-8B-Instruct":  {InputPerMillion: 0.10, OutputPerMillion: 0.20},
			"Meta-Llama-3.1-70B-Instruct": {InputPerMillion: 0.15, OutputPerMillion: 0.15},
		}},
		"fireworks": {Name: "Fireworks", Models: map[string]Entry{
			"accounts/fireworks/models/llama-v3p1-8b-instruct":  {InputPerMillion: 0.20, OutputPerMillion: 0.20},
			"accounts/fireworks/models/llama-v3p1-70b-instruct": {InputPerMillion: 0.90, OutputPerMillion: 0.90},
		}},
		"together": {Name: "Together", Models: map[string]Entry{
			"meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo": {InputPerMillion: 0.18, OutputPerMillion: 0.18},
		}},
		"deepseek": {Name: "DeepSeek", Models: map[string]Entry{
			"deepseek-chat": {InputPerMillion: 0.014, OutputPerMillion: 0.028},
		}},
		"zai": {Name: "Z.ai", Models: map[string]Entry{
			"glm-4-flash": {InputPerMillion: 0, OutputPerMillion: 0},
			"glm-4-plus":  {InputPerMillion: 0.70, OutputPerMillion: 0.70},
		}},
		"moonshot": {Name: "Moonshot", Models: map[string]Entry{
			"moonshot-v1-8k": {InputPerMillion: 0.17, OutputPerMillion: 0.17},
		}},
		"openrouter": {Name: "OpenRouter", Models: map[string]Entry{
			"meta-llama/llama-3.1-8b-instruct": {InputPerMillion: 0.06, OutputPerMillion: 0.06},
		}},
		"openai-compatible": {Name: "OpenAI Compatible", Models: map[string]Entry{
			Wildcard: {},
		}},
		"local": {Name: "Local (Ollama)", Models: map[string]Entry{
			Wildcard: {},
		}},
		"local-rtx": {Name: "Local RTX (Ollama)", Models: map[string]Entry{
			Wildcard: {},
		}},
	})
}
