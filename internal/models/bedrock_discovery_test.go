package models

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

type fakeBedrockClient struct {
	summaries []types.FoundationModelSummary
	err       error
}

func (f *fakeBedrockClient) ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bedrock.ListFoundationModelsOutput{ModelSummaries: f.summaries}, nil
}

func activeStreamingSummary(id, name, provider string) types.FoundationModelSummary {
	active := types.FoundationModelLifecycleStatusActive
	streaming := true
	return types.FoundationModelSummary{
		ModelId:                    aws.String(id),
		ModelName:                  aws.String(name),
		ProviderName:               aws.String(provider),
		ResponseStreamingSupported: &streaming,
		OutputModalities:           []types.ModelModality{types.ModelModalityText},
		ModelLifecycle:             &types.FoundationModelLifecycle{Status: active},
	}
}

func TestBedrockDiscovery_RegisterWithCatalog(t *testing.T) {
	client := &fakeBedrockClient{summaries: []types.FoundationModelSummary{
		activeStreamingSummary("anthropic.claude-3-sonnet", "Claude 3 Sonnet", "Anthropic"),
		activeStreamingSummary("amazon.titan-text-express", "Titan Text Express", "Amazon"),
	}}

	d := NewBedrockDiscovery(BedrockDiscoveryConfig{Enabled: true, Region: "us-east-1"}, nil)
	d.SetClientFactory(func(region string) BedrockClient { return client })

	catalog := NewCatalog()
	if err := d.RegisterWithCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("RegisterWithCatalog: %v", err)
	}

	got, ok := catalog.Get("anthropic.claude-3-sonnet")
	if !ok {
		t.Fatal("expected discovered model to be registered")
	}
	if got.Provider != ProviderBedrock {
		t.Errorf("Provider = %q, want %q", got.Provider, ProviderBedrock)
	}

	byProvider := catalog.ListByProvider(ProviderBedrock)
	if len(byProvider) != 2 {
		t.Errorf("ListByProvider(bedrock) = %d models, want 2", len(byProvider))
	}
}

func TestBedrockDiscovery_FiltersInactiveAndNonStreaming(t *testing.T) {
	inactive := types.FoundationModelLifecycleStatusLegacy
	nonStreaming := false
	client := &fakeBedrockClient{summaries: []types.FoundationModelSummary{
		activeStreamingSummary("anthropic.claude-3-sonnet", "Claude 3 Sonnet", "Anthropic"),
		{
			ModelId:                    aws.String("amazon.titan-old"),
			ResponseStreamingSupported: &nonStreaming,
			OutputModalities:           []types.ModelModality{types.ModelModalityText},
			ModelLifecycle:             &types.FoundationModelLifecycle{Status: types.FoundationModelLifecycleStatusActive},
		},
		{
			ModelId:                    aws.String("amazon.titan-legacy"),
			ResponseStreamingSupported: aws.Bool(true),
			OutputModalities:           []types.ModelModality{types.ModelModalityText},
			ModelLifecycle:             &types.FoundationModelLifecycle{Status: inactive},
		},
	}}

	d := NewBedrockDiscovery(BedrockDiscoveryConfig{Enabled: true}, nil)
	d.SetClientFactory(func(region string) BedrockClient { return client })

	catalog := NewCatalog()
	if err := d.RegisterWithCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("RegisterWithCatalog: %v", err)
	}

	if len(catalog.ListByProvider(ProviderBedrock)) != 1 {
		t.Errorf("expected only the one active streaming model to register")
	}
}

func TestBedrockDiscovery_ProviderFilter(t *testing.T) {
	client := &fakeBedrockClient{summaries: []types.FoundationModelSummary{
		activeStreamingSummary("anthropic.claude-3-sonnet", "Claude 3 Sonnet", "Anthropic"),
		activeStreamingSummary("amazon.titan-text-express", "Titan Text Express", "Amazon"),
	}}

	d := NewBedrockDiscovery(BedrockDiscoveryConfig{Enabled: true, ProviderFilter: []string{"anthropic"}}, nil)
	d.SetClientFactory(func(region string) BedrockClient { return client })

	catalog := NewCatalog()
	if err := d.RegisterWithCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("RegisterWithCatalog: %v", err)
	}

	if _, ok := catalog.Get("amazon.titan-text-express"); ok {
		t.Error("expected amazon model to be filtered out")
	}
	if _, ok := catalog.Get("anthropic.claude-3-sonnet"); !ok {
		t.Error("expected anthropic model to be registered")
	}
}

func TestBedrockDiscovery_Disabled(t *testing.T) {
	client := &fakeBedrockClient{summaries: []types.FoundationModelSummary{
		activeStreamingSummary("anthropic.claude-3-sonnet", "Claude 3 Sonnet", "Anthropic"),
	}}
	d := NewBedrockDiscovery(BedrockDiscoveryConfig{Enabled: false}, nil)
	d.SetClientFactory(func(region string) BedrockClient { return client })

	catalog := NewCatalog()
	if err := d.RegisterWithCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("RegisterWithCatalog: %v", err)
	}
	if len(catalog.ListByProvider(ProviderBedrock)) != 0 {
		t.Error("disabled discovery should not register anything")
	}
}

func TestBedrockDiscovery_ClientError(t *testing.T) {
	client := &fakeBedrockClient{err: errors.New("aws: throttled")}
	d := NewBedrockDiscovery(BedrockDiscoveryConfig{Enabled: true}, nil)
	d.SetClientFactory(func(region string) BedrockClient { return client })

	if err := d.RegisterWithCatalog(context.Background(), NewCatalog()); err == nil {
		t.Fatal("expected an error when the AWS call fails with no cache to fall back to")
	}
}
