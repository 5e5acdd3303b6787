// Package providers resolves and calls the single remote "prompt in, text
// out" model used for L2 synthesis (§4.7). It knows nothing about chunking,
// memory files, or prompts — callers hand it a prompt string and get back
// the model's raw text response.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Provider identifies which remote API a Config talks to.
type Provider int

const (
	OpenAI Provider = iota
	Anthropic
	Gemini
	OpenAICompatible
)

func (p Provider) String() string {
	switch p {
	case OpenAI:
		return "openai"
	case Anthropic:
		return "anthropic"
	case Gemini:
		return "gemini"
	case OpenAICompatible:
		return "openai-compatible"
	default:
		return "unknown"
	}
}

// RequestTimeout bounds every remote call (§4.7).
const RequestTimeout = 45 * time.Second

// Config is a fully resolved remote model: provider, model name, credential
// and (for openai-compatible) base URL.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	BaseURL  string
}

func envNonEmpty(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", false
	}
	return v, true
}

// parseProviderAlias maps the handful of accepted spellings onto a Provider.
func parseProviderAlias(raw string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "openai":
		return OpenAI, true
	case "anthropic", "claude":
		return Anthropic, true
	case "gemini", "google":
		return Gemini, true
	case "openai-compatible", "compatible", "deepseek":
		return OpenAICompatible, true
	default:
		return 0, false
	}
}

func parsePrefixedModel(raw string) (Provider, bool, string) {
	trimmed := strings.TrimSpace(raw)
	if prefix, model, ok := strings.Cut(trimmed, ":"); ok {
		if p, found := parseProviderAlias(prefix); found {
			return p, true, strings.TrimSpace(model)
		}
	}
	return 0, false, trimmed
}

func inferProviderFromModel(model string) (Provider, bool) {
	lower := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(lower, "deepseek-"):
		return OpenAICompatible, true
	case strings.HasPrefix(lower, "claude-"):
		return Anthropic, true
	case strings.HasPrefix(lower, "gemini-"):
		return Gemini, true
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return OpenAI, true
	default:
		return 0, false
	}
}

func resolveAPIKey(p Provider) (string, bool) {
	switch p {
	case OpenAI:
		if v, ok := envNonEmpty("OPENAI_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case Anthropic:
		if v, ok := envNonEmpty("ANTHROPIC_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case Gemini:
		if v, ok := envNonEmpty("GEMINI_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case OpenAICompatible:
		if v, ok := envNonEmpty("AI_API_KEY"); ok {
			return v, true
		}
		if v, ok := envNonEmpty("DEEPSEEK_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("OPENAI_API_KEY")
	default:
		return "", false
	}
}

func resolveCompatibleBaseURL(model string) string {
	if base, ok := envNonEmpty("AI_BASE_URL"); ok {
		return base
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "deepseek-") {
		return "https://api.deepseek.com"
	}
	return ""
}

// ResolveWisdomConfig resolves the primary L2 synthesis model from
// MOON_WISDOM_PROVIDER / MOON_WISDOM_MODEL. A provider of "local" selects
// the deterministic local renderer: it returns (nil, nil) rather than an
// error. An unset provider is an error.
func ResolveWisdomConfig() (*Config, error) {
	rawProvider, ok := envNonEmpty("MOON_WISDOM_PROVIDER")
	if !ok {
		return nil, fmt.Errorf("syns skipped: missing MOON_WISDOM_PROVIDER. Configure MOON_WISDOM_PROVIDER and MOON_WISDOM_MODEL for `moon distill -mode syns`.")
	}
	if strings.EqualFold(rawProvider, "local") {
		return nil, nil
	}

	provider, ok := parseProviderAlias(rawProvider)
	if !ok {
		return nil, fmt.Errorf("syns skipped: invalid MOON_WISDOM_PROVIDER `%s`. Use one of: openai, anthropic, gemini, openai-compatible, local.", rawProvider)
	}

	model, ok := envNonEmpty("MOON_WISDOM_MODEL")
	if !ok {
		return nil, fmt.Errorf("syns skipped: missing MOON_WISDOM_MODEL. Configure a primary synthesis model (for example gpt-4.1).")
	}
	_, _, normalizedModel := parsePrefixedModel(model)
	if strings.TrimSpace(normalizedModel) == "" {
		return nil, fmt.Errorf("syns skipped: MOON_WISDOM_MODEL is empty after normalization")
	}

	var baseURL string
	if provider == OpenAICompatible {
		baseURL = resolveCompatibleBaseURL(normalizedModel)
	}

	apiKey, ok := resolveAPIKey(provider)
	if !ok {
		return nil, fmt.Errorf("syns skipped: missing API key for provider `%s`. Fix the primary model credentials.", provider)
	}

	return &Config{Provider: provider, Model: normalizedModel, APIKey: apiKey, BaseURL: baseURL}, nil
}

// inferContextTokensFromModel is the static fallback table used when no
// explicit override and no live probe are available.
func inferContextTokensFromModel(provider Provider, model string) uint64 {
	lower := strings.ToLower(model)
	switch provider {
	case Gemini:
		if strings.HasPrefix(lower, "gemini-2.5") {
			return 1_000_000
		}
		return 250_000
	case OpenAI:
		switch {
		case strings.HasPrefix(lower, "gpt-4.1"):
			return 1_000_000
		case strings.HasPrefix(lower, "gpt-4o"):
			return 128_000
		default:
			return 200_000
		}
	case Anthropic:
		return 200_000
	case OpenAICompatible:
		if strings.HasPrefix(lower, "deepseek-") {
			return 128_000
		}
		return 200_000
	default:
		return 200_000
	}
}

// DetectContextTokens resolves the context window (in tokens) to budget
// prompts against: MOON_WISDOM_CONTEXT_TOKENS override first, then the
// static per-model table. Unlike the original this never makes a live
// probe call against the provider's models endpoint — see DESIGN.md.
func DetectContextTokens(cfg Config) uint64 {
	if raw, ok := envNonEmpty("MOON_WISDOM_CONTEXT_TOKENS"); ok {
		var tokens uint64
		if _, err := fmt.Sscanf(raw, "%d", &tokens); err == nil && tokens > 0 {
			return tokens
		}
	}
	return inferContextTokensFromModel(cfg.Provider, cfg.Model)
}

func extractOpenAIText(body map[string]interface{}) (string, bool) {
	if text, ok := body["output_text"].(string); ok {
		return text, true
	}
	output, ok := body["output"].([]interface{})
	if !ok {
		return "", false
	}
	var chunks []string
	for _, item := range output {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := obj["content"].([]interface{})
		if !ok {
			continue
		}
		for _, part := range content {
			if p, ok := part.(map[string]interface{}); ok {
				if text, ok := p["text"].(string); ok {
					chunks = append(chunks, text)
				}
			}
		}
	}
	if len(chunks) == 0 {
		return "", false
	}
	return strings.Join(chunks, "\n"), true
}

func extractAnthropicText(body map[string]interface{}) (string, bool) {
	content, ok := body["content"].([]interface{})
	if !ok {
		return "", false
	}
	var chunks []string
	for _, part := range content {
		if p, ok := part.(map[string]interface{}); ok {
			if text, ok := p["text"].(string); ok {
				chunks = append(chunks, text)
			}
		}
	}
	if len(chunks) == 0 {
		return "", false
	}
	return strings.Join(chunks, "\n"), true
}

func extractOpenAICompatibleText(body map[string]interface{}) (string, bool) {
	choices, ok := body["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return "", false
	}
	first, ok := choices[0].(map[string]interface{})
	if !ok {
		return "", false
	}
	message, ok := first["message"].(map[string]interface{})
	if !ok {
		return "", false
	}
	switch content := message["content"].(type) {
	case string:
		return content, true
	case []interface{}:
		var chunks []string
		for _, part := range content {
			if p, ok := part.(map[string]interface{}); ok {
				if text, ok := p["text"].(string); ok {
					chunks = append(chunks, text)
				}
			}
		}
		if len(chunks) == 0 {
			return "", false
		}
		return strings.Join(chunks, "\n"), true
	default:
		return "", false
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: RequestTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, headers map[string]string) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote call failed with status %d", resp.StatusCode)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

var geminiTemperature = float32(0.2)

// callGemini uses the google.golang.org/genai client rather than a raw HTTP
// call, mirroring the teacher's GenAIEngine construction in
// internal/embedding/genai.go.
func callGemini(ctx context.Context, cfg Config, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return "", fmt.Errorf("create gemini client: %w", err)
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	result, err := client.Models.GenerateContent(ctx, cfg.Model, contents, &genai.GenerateContentConfig{
		Temperature: &geminiTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("gemini wisdom call failed: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini wisdom response missing text content")
	}
	return text, nil
}

// CallPrompt sends prompt to the configured remote model and returns its
// extracted text, following the exact endpoint/payload/header shape each
// provider expects.
func CallPrompt(ctx context.Context, cfg Config, prompt string) (string, error) {
	client := httpClient()

	switch cfg.Provider {
	case Gemini:
		return callGemini(ctx, cfg, prompt)

	case OpenAI:
		payload := map[string]interface{}{
			"model":       cfg.Model,
			"input":       prompt,
			"temperature": 0.2,
		}
		body, err := postJSON(ctx, client, "https://api.openai.com/v1/responses", payload, map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		})
		if err != nil {
			return "", fmt.Errorf("openai wisdom call failed: %w", err)
		}
		text, ok := extractOpenAIText(body)
		if !ok {
			return "", fmt.Errorf("openai wisdom response missing text content")
		}
		return text, nil

	case Anthropic:
		payload := map[string]interface{}{
			"model":       cfg.Model,
			"max_tokens":  1400,
			"temperature": 0.2,
			"messages":    []map[string]string{{"role": "user", "content": prompt}},
		}
		body, err := postJSON(ctx, client, "https://api.anthropic.com/v1/messages", payload, map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": "2023-06-01",
		})
		if err != nil {
			return "", fmt.Errorf("anthropic wisdom call failed: %w", err)
		}
		text, ok := extractAnthropicText(body)
		if !ok {
			return "", fmt.Errorf("anthropic wisdom response missing text content")
		}
		return text, nil

	case OpenAICompatible:
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.openai.com"
		}
		base = strings.TrimSuffix(base, "/")
		payload := map[string]interface{}{
			"model":       cfg.Model,
			"messages":    []map[string]string{{"role": "user", "content": prompt}},
			"temperature": 0.2,
		}
		body, err := postJSON(ctx, client, base+"/v1/chat/completions", payload, map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		})
		if err != nil {
			return "", fmt.Errorf("openai-compatible wisdom call failed: %w", err)
		}
		text, ok := extractOpenAICompatibleText(body)
		if !ok {
			return "", fmt.Errorf("openai-compatible wisdom response missing text content")
		}
		return text, nil

	default:
		return "", fmt.Errorf("unknown provider %v", cfg.Provider)
	}
}
