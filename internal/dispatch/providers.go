package dispatch

import (
	"fmt"
	"strings"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/models"
)

// PrefixProviderResolver resolves a model identifier to the LLMProvider that
// serves its family, inferred from the model name's prefix (e.g. "claude-"
// routes to Anthropic, "gpt-"/"o1-" to OpenAI, "gemini-" to Google). Crew
// files and database rows name a bare model id; this is the one place that
// decides which wire protocol speaks to it.
type PrefixProviderResolver struct {
	byPrefix map[string]agent.LLMProvider
	fallback agent.LLMProvider
}

// NewPrefixProviderResolver builds a resolver with no prefixes registered;
// add providers for model-name prefixes with Register. fallback, if non-nil,
// serves any model matching no registered prefix.
func NewPrefixProviderResolver(fallback agent.LLMProvider) *PrefixProviderResolver {
	return &PrefixProviderResolver{byPrefix: map[string]agent.LLMProvider{}, fallback: fallback}
}

// Register associates a model-name prefix (matched case-insensitively) with
// a provider. Later registrations for the same prefix replace earlier ones.
func (r *PrefixProviderResolver) Register(prefix string, provider agent.LLMProvider) *PrefixProviderResolver {
	r.byPrefix[strings.ToLower(prefix)] = provider
	return r
}

// Resolve implements ProviderResolver.
func (r *PrefixProviderResolver) Resolve(model string) (agent.LLMProvider, error) {
	lower := strings.ToLower(model)
	for prefix, provider := range r.byPrefix {
		if strings.HasPrefix(lower, prefix) {
			return provider, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("dispatch: no provider registered for model %q", model)
}

// NewDefaultPrefixProviderResolver wires the conventional model-name prefixes
// used across crew files to their provider families. catalog, if non-nil, is
// additionally consulted: every model it lists under ProviderBedrock is
// registered by its exact id, so a crew file naming a specific discovered
// Bedrock foundation model (rather than a generic "anthropic.claude-"/
// "amazon.titan-" family) still resolves.
func NewDefaultPrefixProviderResolver(anthropic, openai, google, bedrock, azure, ollama, openrouter, copilotProxy agent.LLMProvider, catalog *models.Catalog) *PrefixProviderResolver {
	r := NewPrefixProviderResolver(anthropic)
	if anthropic != nil {
		r.Register("claude-", anthropic)
	}
	if openai != nil {
		r.Register("gpt-", openai)
		r.Register("o1-", openai)
		r.Register("o3-", openai)
	}
	if google != nil {
		r.Register("gemini-", google)
	}
	if bedrock != nil {
		r.Register("anthropic.claude-", bedrock)
		r.Register("amazon.titan-", bedrock)
		if catalog != nil {
			for _, m := range catalog.ListByProvider(models.ProviderBedrock) {
				r.Register(m.ID, bedrock)
			}
		}
	}
	if azure != nil {
		r.Register("azure-", azure)
	}
	if ollama != nil {
		r.Register("ollama-", ollama)
		r.Register("llama", ollama)
		r.Register("mistral", ollama)
	}
	if openrouter != nil {
		// OpenRouter model ids are themselves "<vendor>/<model>" (e.g.
		// "anthropic/claude-3-opus"); crew files route to it explicitly
		// rather than relying on a bare vendor prefix that would otherwise
		// collide with the direct providers above.
		r.Register("openrouter/", openrouter)
	}
	if copilotProxy != nil {
		r.Register("copilot-", copilotProxy)
	}
	return r
}
