package dispatch

import (
	"context"
	"testing"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/models"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return nil, nil
}
func (s stubProvider) Models() []agent.Model { return nil }
func (s stubProvider) SupportsTools() bool   { return true }

func TestPrefixProviderResolver_Resolve(t *testing.T) {
	anthropic := stubProvider{name: "anthropic"}
	openai := stubProvider{name: "openai"}
	google := stubProvider{name: "google"}
	bedrock := stubProvider{name: "bedrock"}

	azure := stubProvider{name: "azure"}
	ollama := stubProvider{name: "ollama"}
	openrouter := stubProvider{name: "openrouter"}
	copilotProxy := stubProvider{name: "copilot-proxy"}

	catalog := models.NewCatalog()
	catalog.Register(&models.Model{ID: "anthropic.claude-opus-4-20250101-v1:0", Provider: models.ProviderBedrock})

	r := NewDefaultPrefixProviderResolver(anthropic, openai, google, bedrock, azure, ollama, openrouter, copilotProxy, catalog)

	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-7-sonnet-latest", "anthropic"},
		{"gpt-4o", "openai"},
		{"o1-preview", "openai"},
		{"gemini-2.5-pro", "google"},
		{"amazon.titan-text-express-v1", "bedrock"},
		{"anthropic.claude-opus-4-20250101-v1:0", "bedrock"},
		{"azure-gpt-4o-deployment", "azure"},
		{"ollama-llama3", "ollama"},
		{"openrouter/anthropic/claude-3-opus", "openrouter"},
		{"copilot-gpt-4", "copilot-proxy"},
		{"some-unknown-model", "anthropic"}, // falls back
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.model)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", tt.model, err)
		}
		if got.Name() != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.model, got.Name(), tt.want)
		}
	}
}

func TestPrefixProviderResolver_NoFallback(t *testing.T) {
	r := NewPrefixProviderResolver(nil)
	r.Register("claude-", stubProvider{name: "anthropic"})

	if _, err := r.Resolve("gpt-4o"); err == nil {
		t.Fatal("expected an error for an unregistered prefix with no fallback")
	}
}
