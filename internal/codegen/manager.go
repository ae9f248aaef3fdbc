package codegen

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/shared/config"
)

// Manager routes a request to the provider owning its model and fails
// over along a fixed chain when that provider is throttled or down.
type Manager struct {
	providers map[string]Provider
	failover  map[string][]string // model -> [fallback models]
	log       logrus.FieldLogger
}

// NewManager creates a manager with a provider for every configured key.
func NewManager(cfg *config.Config, log logrus.FieldLogger) *Manager {
	m := newManager(log)
	if cfg.OpenAIAPIKey != "" {
		m.Register(NewOpenAIProvider(cfg.OpenAIAPIKey, ""))
	}
	if cfg.AnthropicAPIKey != "" {
		m.Register(NewAnthropicProvider(cfg.AnthropicAPIKey, ""))
	}
	if cfg.GeminiAPIKey != "" {
		m.Register(NewGeminiProvider(cfg.GeminiAPIKey, ""))
	}
	return m
}

func newManager(log logrus.FieldLogger) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		failover:  make(map[string][]string),
		log:       log.WithField("component", "codegen"),
	}
	m.setupFailoverChains()
	return m
}

// Register adds or replaces a provider under its own name.
func (m *Manager) Register(p Provider) {
	m.providers[p.GetProviderName()] = p
}

// Enabled reports whether any provider is configured.
func (m *Manager) Enabled() bool {
	return len(m.providers) > 0
}

func (m *Manager) setupFailoverChains() {
	m.failover["gpt-4o"] = []string{"claude-sonnet-4-5-20250929", "gemini-2.5-pro"}
	m.failover["gpt-4o-mini"] = []string{"claude-haiku-4-5-20251001", "gemini-2.5-flash"}
	m.failover["gpt-4"] = []string{"claude-opus-4-5-20251101", "gemini-2.5-pro"}

	m.failover["claude-sonnet-4-5-20250929"] = []string{"gpt-4o", "gemini-2.5-pro"}
	m.failover["claude-haiku-4-5-20251001"] = []string{"gpt-4o-mini", "gemini-2.5-flash"}

	m.failover["gemini-2.5-flash"] = []string{"gpt-4o-mini", "claude-haiku-4-5-20251001"}
	m.failover["gemini-2.5-pro"] = []string{"gpt-4o", "claude-sonnet-4-5-20250929"}
}

// GetProvider returns the provider for a given model
func (m *Manager) GetProvider(model string) (Provider, string, error) {
	providerName := detectProvider(model)
	if providerName == "" {
		return nil, "", fmt.Errorf("unknown model: %s", model)
	}

	provider, ok := m.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("provider %s not configured (check API key)", providerName)
	}
	if !provider.ValidateModel(model) {
		return nil, "", fmt.Errorf("model %s is not supported by %s", model, providerName)
	}
	return provider, providerName, nil
}

func detectProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "google"
	}
	return ""
}

// GetFailoverChain returns the fallback models whose providers are configured.
func (m *Manager) GetFailoverChain(model string) []string {
	var available []string
	for _, fallbackModel := range m.failover[model] {
		if _, ok := m.providers[detectProvider(fallbackModel)]; ok {
			available = append(available, fallbackModel)
		}
	}
	return available
}

// ChatCompletion runs req on its model's provider, then on the failover
// chain if the error is retryable. It returns the response, the provider
// that served it and whether failover was used.
func (m *Manager) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, string, bool, error) {
	originalModel := req.Model

	provider, providerName, err := m.GetProvider(req.Model)
	if err != nil {
		return nil, "", false, err
	}

	resp, err := provider.ChatCompletion(ctx, req)
	if err == nil {
		return resp, providerName, false, nil
	}
	if !isRetryableError(err) {
		return nil, providerName, false, err
	}
	m.log.WithError(err).WithField("model", originalModel).Warn("provider failed, trying failover chain")

	lastErr := err
	for _, fallbackModel := range m.GetFailoverChain(originalModel) {
		req.Model = fallbackModel
		provider, name, err := m.GetProvider(fallbackModel)
		if err != nil {
			continue
		}

		resp, err := provider.ChatCompletion(ctx, req)
		if err == nil {
			return resp, name, true, nil
		}
		lastErr = err
		m.log.WithError(err).WithField("model", fallbackModel).Warn("failover provider failed")
	}

	return nil, providerName, false, fmt.Errorf("all providers failed for model %s: %w", originalModel, lastErr)
}
