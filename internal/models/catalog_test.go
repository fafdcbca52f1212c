package models

import "testing"

func TestCatalog_GetByIDAndAlias(t *testing.T) {
	c := NewCatalog()

	if m, ok := c.Get("claude-3-5-sonnet-latest"); !ok || m.Provider != ProviderAnthropic {
		t.Fatalf("Get(id) = %v, %v", m, ok)
	}
	if m, ok := c.Get("sonnet"); !ok || m.ID != "claude-3-5-sonnet-latest" {
		t.Fatalf("Get(alias) = %v, %v", m, ok)
	}
	if m, ok := c.Get("SONNET"); !ok || m.ID != "claude-3-5-sonnet-latest" {
		t.Fatalf("Get(alias) should be case-insensitive, got %v, %v", m, ok)
	}
	if _, ok := c.Get("does-not-exist"); ok {
		t.Fatal("Get(unknown) should return ok=false")
	}
}

func TestCatalog_RegisterOverridesBuiltin(t *testing.T) {
	c := NewCatalog()
	c.Register(&Model{ID: "gpt-4o", Name: "GPT-4o (custom)", Provider: ProviderAzure})

	m, ok := c.Get("gpt-4o")
	if !ok || m.Provider != ProviderAzure {
		t.Fatalf("Register should replace an existing id, got %v, %v", m, ok)
	}
}

func TestCatalog_ListByProvider(t *testing.T) {
	c := NewCatalog()
	c.Register(&Model{ID: "anthropic.claude-opus-4-20250101-v1:0", Provider: ProviderBedrock})
	c.Register(&Model{ID: "amazon.titan-text-express-v1", Provider: ProviderBedrock})

	got := c.ListByProvider(ProviderBedrock)
	if len(got) != 2 {
		t.Fatalf("ListByProvider(bedrock) returned %d models, want 2", len(got))
	}
	if got[0].ID != "amazon.titan-text-express-v1" {
		t.Errorf("ListByProvider should sort by id, got first=%s", got[0].ID)
	}

	if got := c.ListByProvider(ProviderOpenAI); len(got) != 3 {
		t.Errorf("ListByProvider(openai) = %d models, want 3 (from builtins)", len(got))
	}
}

func TestCatalog_List_SortsByProviderThenID(t *testing.T) {
	c := NewCatalog()
	all := c.List()
	for i := 1; i < len(all); i++ {
		if all[i-1].Provider > all[i].Provider {
			t.Fatalf("List() not sorted by provider: %s after %s", all[i].Provider, all[i-1].Provider)
		}
	}
}
