// Package config decodes the dispatcher's YAML configuration, with
// $include directive support and JSON5 crew-definition files, mirroring the
// donor's internal/config package trimmed to what the dispatcher needs.
package config

import "time"

// Config is the top-level configuration document for the dispatcher
// service: where to listen, how to reach Postgres, which LLM provider
// credentials to construct, and where crew definitions live.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Crew      CrewConfig      `yaml:"crew"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the SSE HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig points the dispatcher's tracer at an OTLP/gRPC collector.
// An empty Endpoint leaves tracing as a no-op.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	Insecure       bool    `yaml:"insecure"`
	SamplingRate   float64 `yaml:"samplingRate"`
	ServiceVersion string  `yaml:"serviceVersion"`
}

// DatabaseConfig configures the Postgres/CockroachDB connection backing
// sessions, collected fields, crew DB rows, and prompt versions.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxConnections  int    `yaml:"maxConnections"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
}

// ProvidersConfig carries per-provider credentials. A provider with an
// empty APIKey (and, for Bedrock, empty Region) is not constructed.
type ProvidersConfig struct {
	Anthropic    AnthropicProviderConfig   `yaml:"anthropic"`
	OpenAI       OpenAIProviderConfig      `yaml:"openai"`
	Google       GoogleProviderConfig      `yaml:"google"`
	Bedrock      BedrockProviderConfig     `yaml:"bedrock"`
	Azure        AzureOpenAIProviderConfig `yaml:"azure"`
	Ollama       OllamaProviderConfig      `yaml:"ollama"`
	OpenRouter   OpenRouterProviderConfig  `yaml:"openrouter"`
	CopilotProxy CopilotProxyProviderConfig `yaml:"copilotProxy"`
}

type AnthropicProviderConfig struct {
	APIKey string `yaml:"apiKey"`
}

type OpenAIProviderConfig struct {
	APIKey string `yaml:"apiKey"`
}

type GoogleProviderConfig struct {
	APIKey string `yaml:"apiKey"`
}

type BedrockProviderConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`

	// DiscoverModels lists this AWS account's enabled foundation models at
	// startup and registers each one's exact id into the model catalog
	// under the bedrock provider, since the enabled set differs per account.
	DiscoverModels          bool          `yaml:"discoverModels"`
	DiscoveryRefresh        time.Duration `yaml:"discoveryRefresh"`
	DiscoveryProviderFilter []string      `yaml:"discoveryProviderFilter"`
}

// AzureOpenAIProviderConfig configures an Azure OpenAI deployment. Endpoint
// must be set for the provider to be constructed.
type AzureOpenAIProviderConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"apiKey"`
	APIVersion   string `yaml:"apiVersion"`
	DefaultModel string `yaml:"defaultModel"`
	MaxRetries   int    `yaml:"maxRetries"`
}

// OllamaProviderConfig points at a local or self-hosted Ollama server. Unlike
// the hosted providers this one is constructed whenever Enabled is set, since
// Ollama needs no API key.
type OllamaProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"baseUrl"`
	DefaultModel string        `yaml:"defaultModel"`
	Timeout      time.Duration `yaml:"timeout"`
}

type OpenRouterProviderConfig struct {
	APIKey       string `yaml:"apiKey"`
	DefaultModel string `yaml:"defaultModel"`
	AppName      string `yaml:"appName"`
}

// CopilotProxyProviderConfig points at a locally running copilot-api style
// proxy that fronts GitHub Copilot's chat models with an OpenAI-shaped API.
type CopilotProxyProviderConfig struct {
	Enabled              bool     `yaml:"enabled"`
	BaseURL              string   `yaml:"baseUrl"`
	Models               []string `yaml:"models"`
	DefaultContextWindow int      `yaml:"defaultContextWindow"`
}

// CrewConfig locates crew definitions on disk, one subdirectory per agent,
// consumed by crew.NewRegistry.
type CrewConfig struct {
	BaseDir string `yaml:"baseDir"`
}
