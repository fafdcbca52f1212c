package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// DefaultBedrockRefreshInterval is how often a BedrockDiscovery re-queries
// the AWS account's enabled foundation models.
const DefaultBedrockRefreshInterval = 1 * time.Hour

// DefaultBedrockContextWindow is used for a discovered model that doesn't
// report its own context size.
const DefaultBedrockContextWindow = 32000

// BedrockDiscoveryConfig configures discovery of an AWS account's enabled
// Bedrock foundation models.
type BedrockDiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	ProviderFilter  []string      `yaml:"providerFilter"`
}

// BedrockClient is the subset of the Bedrock control-plane client
// BedrockDiscovery needs; satisfied by *bedrock.Client and by a fake in
// tests.
type BedrockClient interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockDiscovery lists an AWS account's enabled Bedrock foundation models
// and registers them into a Catalog, since the set of enabled models differs
// per account and can't be hardcoded like the other providers' catalogs.
type BedrockDiscovery struct {
	config BedrockDiscoveryConfig
	logger *slog.Logger

	clientFactory func(region string) BedrockClient

	mu        sync.Mutex
	cache     []*Model
	expiresAt time.Time
}

// NewBedrockDiscovery creates a BedrockDiscovery, applying the default
// region and refresh interval where unset.
func NewBedrockDiscovery(cfg BedrockDiscoveryConfig, logger *slog.Logger) *BedrockDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultBedrockRefreshInterval
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &BedrockDiscovery{config: cfg, logger: logger}
}

// SetClientFactory overrides how the AWS client is constructed; tests use
// this to inject a fake BedrockClient instead of calling AWS.
func (d *BedrockDiscovery) SetClientFactory(factory func(region string) BedrockClient) {
	d.clientFactory = factory
}

// RegisterWithCatalog discovers the account's enabled models and registers
// each one into catalog under ProviderBedrock, so PrefixProviderResolver's
// exact-id lookups and ListByProvider(ProviderBedrock) see them.
func (d *BedrockDiscovery) RegisterWithCatalog(ctx context.Context, catalog *Catalog) error {
	if !d.config.Enabled {
		return nil
	}
	discovered, err := d.discover(ctx)
	if err != nil {
		return err
	}
	for _, m := range discovered {
		catalog.Register(m)
	}
	d.logger.Info("registered bedrock models", slog.Int("count", len(discovered)))
	return nil
}

func (d *BedrockDiscovery) discover(ctx context.Context) ([]*Model, error) {
	d.mu.Lock()
	if d.cache != nil && time.Now().Before(d.expiresAt) {
		cached := d.cache
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	client, err := d.createClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("models: create bedrock client: %w", err)
	}

	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		d.mu.Lock()
		cached := d.cache
		d.mu.Unlock()
		if cached != nil {
			d.logger.Warn("bedrock discovery failed, serving stale cache", slog.Any("error", err))
			return cached, nil
		}
		return nil, fmt.Errorf("models: list foundation models: %w", err)
	}

	filter := normalizeProviderFilter(d.config.ProviderFilter)
	discovered := make([]*Model, 0, len(out.ModelSummaries))
	for _, summary := range out.ModelSummaries {
		if m := d.toModel(summary, filter); m != nil {
			discovered = append(discovered, m)
		}
	}

	d.mu.Lock()
	d.cache = discovered
	d.expiresAt = time.Now().Add(d.config.RefreshInterval)
	d.mu.Unlock()

	return discovered, nil
}

func (d *BedrockDiscovery) createClient(ctx context.Context) (BedrockClient, error) {
	if d.clientFactory != nil {
		return d.clientFactory(d.config.Region), nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(d.config.Region))
	if err != nil {
		return nil, err
	}
	return bedrock.NewFromConfig(cfg), nil
}

func (d *BedrockDiscovery) toModel(summary types.FoundationModelSummary, providerFilter []string) *Model {
	if summary.ModelId == nil || *summary.ModelId == "" {
		return nil
	}
	if summary.ResponseStreamingSupported == nil || !*summary.ResponseStreamingSupported {
		return nil
	}
	if !hasTextModality(summary.OutputModalities) {
		return nil
	}
	if summary.ModelLifecycle == nil || summary.ModelLifecycle.Status != types.FoundationModelLifecycleStatusActive {
		return nil
	}

	providerName := extractProviderName(summary)
	if len(providerFilter) > 0 && !containsString(providerFilter, providerName) {
		return nil
	}

	id := *summary.ModelId
	name := id
	if summary.ModelName != nil && *summary.ModelName != "" {
		name = *summary.ModelName
	}
	return &Model{
		ID:            id,
		Name:          name,
		Provider:      ProviderBedrock,
		ContextWindow: DefaultBedrockContextWindow,
	}
}

func extractProviderName(summary types.FoundationModelSummary) string {
	if summary.ProviderName != nil && *summary.ProviderName != "" {
		return strings.ToLower(*summary.ProviderName)
	}
	if summary.ModelId != nil {
		if parts := strings.SplitN(*summary.ModelId, ".", 2); len(parts) > 0 {
			return strings.ToLower(parts[0])
		}
	}
	return ""
}

func hasTextModality(modalities []types.ModelModality) bool {
	for _, m := range modalities {
		if m == types.ModelModalityText {
			return true
		}
	}
	return false
}

func normalizeProviderFilter(filter []string) []string {
	if len(filter) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(filter))
	out := make([]string, 0, len(filter))
	for _, p := range filter {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
