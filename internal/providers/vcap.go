package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"inferbench/internal/backend"
	"inferbench/internal/backend/openaicompat"
)

// VCAPService is one Cloud Foundry service binding
type VCAPService struct {
	InstanceGUID string         `json:"instance_guid"`
	InstanceName string         `json:"instance_name"`
	Name         string         `json:"name"`
	Plan         string         `json:"plan"`
	Credentials  map[string]any `json:"credentials"`
	Tags         []string       `json:"tags"`
	Label        string         `json:"label"`
}

// VCAPServices is the part of VCAP_SERVICES we read
type VCAPServices struct {
	GenAI []VCAPService `json:"genai"`
}

// Binding is an OpenAI-compatible endpoint found in VCAP_SERVICES.
type Binding struct {
	Name    string
	Plan    string
	BaseURL string
	APIKey  string
	// Models holds the bound model names, default first. Multi-model plans
	// leave it empty; the model is then discovered from the endpoint.
	Models    []string
	ConfigURL string
}

var unsafeID = regexp.MustCompile(`[^a-z0-9-]+`)

// ID is the backend identifier: "cf-" plus the sanitized instance name.
func (b Binding) ID() string {
	id := unsafeID.ReplaceAllString(strings.ToLower(b.Name), "-")
	return "cf-" + strings.Trim(id, "-")
}

// Backend builds the OpenAI-compatible backend for the binding.
func (b Binding) Backend(httpClient *http.Client) backend.Backend {
	var model string
	if len(b.Models) > 0 {
		model = b.Models[0]
	}
	return openaicompat.New(openaicompat.Config{
		ID:          b.ID(),
		DisplayName: fmt.Sprintf("%s (%s)", b.Name, b.Plan),
		BaseURL:     b.BaseURL,
		APIKey:      b.APIKey,
		Model:       model,
		KeyEnv:      "VCAP_SERVICES",
		HTTPClient:  httpClient,
	})
}

// ParseVCAP reads the genai bindings from a VCAP_SERVICES document. Services
// without credentials are skipped; the returned error reports the first one
// that could not be read.
func ParseVCAP(raw string) ([]Binding, error) {
	var services VCAPServices
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return nil, fmt.Errorf("failed to parse VCAP_SERVICES: %w", err)
	}

	var bindings []Binding
	var firstErr error
	for _, svc := range services.GenAI {
		b, err := parseService(svc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, firstErr
}

func parseService(svc VCAPService) (Binding, error) {
	name := firstNonEmpty(svc.InstanceName, svc.Name, svc.InstanceGUID)
	if svc.Credentials == nil {
		return Binding{}, fmt.Errorf("service %q has no credentials", name)
	}
	b := Binding{Name: name, Plan: firstNonEmpty(svc.Plan, "unknown")}
	creds := svc.Credentials

	if endpoint, ok := creds["endpoint"].(map[string]any); ok {
		b.APIKey, _ = endpoint["api_key"].(string)
		b.BaseURL, _ = endpoint["api_base"].(string)
		b.ConfigURL, _ = endpoint["config_url"].(string)
		// Single-model plans carry model_name and may override api_base at the top level.
		if model, ok := creds["model_name"].(string); ok && model != "" {
			b.Models = []string{model}
			if top, ok := creds["api_base"].(string); ok && top != "" {
				b.BaseURL = top
			}
		}
	} else {
		b.APIKey, _ = creds["api_key"].(string)
		b.BaseURL = firstString(creds, "api_base", "base_url")
		if model, ok := creds["model_name"].(string); ok && model != "" {
			b.Models = append(b.Models, model)
		}
		if aliases, ok := creds["model_aliases"].([]any); ok {
			for _, a := range aliases {
				if s, ok := a.(string); ok && !contains(b.Models, s) {
					b.Models = append(b.Models, s)
				}
			}
		}
	}

	if b.BaseURL == "" {
		return Binding{}, fmt.Errorf("service %q has no api_base", name)
	}
	b.BaseURL = normalizeGenAIBase(b.BaseURL)
	return b, nil
}

// normalizeGenAIBase appends the /v1 path GenAI proxies expect when the
// binding omits it.
func normalizeGenAIBase(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "genai-proxy") || strings.Contains(baseURL, "/v1") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/openai") {
		return baseURL + "/v1"
	}
	if strings.Contains(baseURL, "tanzu-") {
		return baseURL + "/openai/v1"
	}
	return baseURL
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
