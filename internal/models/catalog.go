// Package models catalogs known LLM models so the dispatcher can resolve a
// crew-file model id to the provider that serves it, independent of the
// provider's own wire-level model list.
package models

import (
	"sort"
	"strings"
	"sync"
)

// Provider identifies which LLMProvider implementation serves a model.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderBedrock   Provider = "bedrock"
	ProviderAzure     Provider = "azure"
	ProviderOllama    Provider = "ollama"
)

// Model is one catalog entry: an id a crew file can name, plus which
// provider and context window it resolves to.
type Model struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Provider      Provider `json:"provider"`
	ContextWindow int      `json:"context_window"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Catalog is a concurrency-safe registry of Models, keyed by id and alias.
// Bedrock foundation models discovered at deploy time (one AWS account's
// enabled model list differs from another's) are registered here rather
// than hardcoded, so PrefixProviderResolver can resolve them by exact id.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model
	aliases map[string]string
}

// NewCatalog returns a catalog pre-seeded with the model ids most crew files
// name directly; callers Register additional entries (e.g. a tenant's
// enabled Bedrock foundation models) on top.
func NewCatalog() *Catalog {
	c := &Catalog{models: make(map[string]*Model), aliases: make(map[string]string)}
	for _, m := range builtinModels {
		m := m
		c.Register(&m)
	}
	return c
}

// Register adds or replaces a model, indexing its aliases for Get.
func (c *Catalog) Register(model *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model.ID] = model
	for _, alias := range model.Aliases {
		c.aliases[strings.ToLower(alias)] = model.ID
	}
}

// Get looks a model up by id or alias.
func (c *Catalog) Get(id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[id]; ok {
		return m, true
	}
	if realID, ok := c.aliases[strings.ToLower(id)]; ok {
		return c.models[realID], true
	}
	return nil, false
}

// List returns every registered model, sorted by provider then id.
func (c *Catalog) List() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ListByProvider returns the registered models for one provider, sorted by
// id. The dispatcher uses this to register each Bedrock foundation model's
// exact id against the bedrock LLMProvider.
func (c *Catalog) ListByProvider(provider Provider) []*Model {
	var result []*Model
	for _, m := range c.List() {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// builtinModels seeds the catalog with the ids most crew files name
// directly; provider-prefix matching in PrefixProviderResolver already
// covers most of these, so this list exists mainly for Get/aliasing.
var builtinModels = []Model{
	{ID: "claude-opus-4-5-20251101", Name: "Claude Opus 4.5", Provider: ProviderAnthropic, ContextWindow: 200000, Aliases: []string{"opus"}},
	{ID: "claude-3-5-sonnet-latest", Name: "Claude 3.5 Sonnet", Provider: ProviderAnthropic, ContextWindow: 200000, Aliases: []string{"sonnet"}},
	{ID: "claude-3-5-haiku-latest", Name: "Claude 3.5 Haiku", Provider: ProviderAnthropic, ContextWindow: 200000, Aliases: []string{"haiku"}},
	{ID: "gpt-4o", Name: "GPT-4o", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "o3-mini", Name: "o3-mini", Provider: ProviderOpenAI, ContextWindow: 200000},
	{ID: "gemini-2.0-flash-exp", Name: "Gemini 2.0 Flash", Provider: ProviderGoogle, ContextWindow: 1048576, Aliases: []string{"gemini-2.0-flash"}},
	{ID: "gemini-1.5-pro-latest", Name: "Gemini 1.5 Pro", Provider: ProviderGoogle, ContextWindow: 2097152, Aliases: []string{"gemini-1.5-pro"}},
}
