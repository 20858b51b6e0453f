/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads Percolate configuration from P8_-prefixed environment
// variables. Every binary shares the same Config; unused sections are simply
// not validated for that binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix is the prefix for all Percolate environment variables.
const EnvPrefix = "P8_"

// KMS provider names accepted by P8_KMS_PROVIDER.
const (
	KMSLocal = "local"
	KMSVault = "vault"
	KMSAWS   = "aws"
	KMSGCP   = "gcp"
)

// Config holds all runtime configuration for Percolate binaries.
type Config struct {
	// DatabaseURL is the PostgreSQL connection URI (P8_DATABASE_URL).
	DatabaseURL string
	// ListenAddr is the HTTP bind address for the API server (P8_LISTEN_ADDR).
	ListenAddr string
	// MetricsAddr is the Prometheus bind address (P8_METRICS_ADDR).
	MetricsAddr string

	// SystemTenantID is the sentinel tenant whose DEK backs platform-mode
	// tenants without their own key (P8_SYSTEM_TENANT_ID).
	SystemTenantID string

	// KMSProvider selects the key service backend: local, vault, aws, gcp.
	KMSProvider string
	// KMSKeyPrefix prefixes per-tenant key names ({prefix}-{tenant_id}).
	KMSKeyPrefix string
	// KMSLocalKeyfile is the master key path for the local backend.
	KMSLocalKeyfile string
	// KMSVaultURL / KMSVaultToken / KMSVaultMount configure the Vault
	// transit backend.
	KMSVaultURL   string
	KMSVaultToken string
	KMSVaultMount string
	// KMSAWSKeyID / KMSAWSRegion configure the AWS KMS backend.
	KMSAWSKeyID  string
	KMSAWSRegion string
	// KMSGCPKeyID is the full Cloud KMS key resource name for the GCP backend.
	KMSGCPKeyID string

	// EmbeddingModel selects the embedding provider as "provider:model"
	// (P8_EMBEDDING_MODEL), e.g. "rest:text-embedding-3-small" or "local:".
	EmbeddingModel string
	// EmbeddingEndpoint is the OpenAI-compatible embeddings base URL.
	EmbeddingEndpoint string
	// EmbeddingBatchSize bounds one drain of the embedding queue.
	EmbeddingBatchSize int
	// EmbeddingPollInterval is the idle sleep between empty batches.
	EmbeddingPollInterval time.Duration

	// OpenAIAPIKey authenticates embedding and agent calls (P8_OPENAI_API_KEY).
	OpenAIAPIKey string
	// AgentEndpoint is the OpenAI-compatible chat-completions base URL.
	AgentEndpoint string
	// AgentModel is the model used by the dreaming agent.
	AgentModel string

	// NewsSearchEndpoint is the search API base URL for news digests
	// (P8_NEWS_SEARCH_ENDPOINT). Empty disables news tasks entirely: the
	// scheduler does not enqueue them and workers do not handle them.
	NewsSearchEndpoint string
	// NewsSearchAPIKey authenticates news search calls.
	NewsSearchAPIKey string

	// WorkerTier selects which task tier this worker process claims
	// (P8_WORKER_TIER): micro, small, medium, large.
	WorkerTier string
	// WorkerBatchSize bounds one task claim.
	WorkerBatchSize int
	// WorkerPollInterval is the idle sleep between empty claims.
	WorkerPollInterval time.Duration

	// DreamLookbackDays bounds the dreaming context window.
	DreamLookbackDays int
	// MomentTokenThreshold is the Phase-1 session chunking threshold.
	MomentTokenThreshold int
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		DatabaseURL:    env("DATABASE_URL", ""),
		ListenAddr:     env("LISTEN_ADDR", ":8008"),
		MetricsAddr:    env("METRICS_ADDR", ":9090"),
		SystemTenantID: env("SYSTEM_TENANT_ID", "system"),

		KMSProvider:     env("KMS_PROVIDER", KMSLocal),
		KMSKeyPrefix:    env("KMS_KEY_PREFIX", "percolate"),
		KMSLocalKeyfile: env("KMS_LOCAL_KEYFILE", defaultKeyfile()),
		KMSVaultURL:     env("KMS_VAULT_URL", ""),
		KMSVaultToken:   env("KMS_VAULT_TOKEN", ""),
		KMSVaultMount:   env("KMS_VAULT_MOUNT", "transit"),
		KMSAWSKeyID:     env("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:    env("KMS_AWS_REGION", ""),
		KMSGCPKeyID:     env("KMS_GCP_KEY_ID", ""),

		EmbeddingModel:        env("EMBEDDING_MODEL", "local:"),
		EmbeddingEndpoint:     env("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
		EmbeddingBatchSize:    envInt("EMBEDDING_BATCH_SIZE", 50),
		EmbeddingPollInterval: envDuration("EMBEDDING_POLL_INTERVAL", 10*time.Second),

		OpenAIAPIKey:  env("OPENAI_API_KEY", ""),
		AgentEndpoint: env("AGENT_ENDPOINT", "https://api.openai.com/v1"),
		AgentModel:    env("AGENT_MODEL", "gpt-4.1-mini"),

		NewsSearchEndpoint: env("NEWS_SEARCH_ENDPOINT", ""),
		NewsSearchAPIKey:   env("NEWS_SEARCH_API_KEY", ""),

		WorkerTier:         env("WORKER_TIER", "micro"),
		WorkerBatchSize:    envInt("WORKER_BATCH_SIZE", 5),
		WorkerPollInterval: envDuration("WORKER_POLL_INTERVAL", 5*time.Second),

		DreamLookbackDays:    envInt("DREAM_LOOKBACK_DAYS", 1),
		MomentTokenThreshold: envInt("MOMENT_TOKEN_THRESHOLD", 2000),
	}
}

// Validate checks the fields every binary needs. Backend-specific KMS fields
// are validated by the KMS factory.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL is required", EnvPrefix)
	}
	switch c.KMSProvider {
	case KMSLocal, KMSVault, KMSAWS, KMSGCP:
	default:
		return fmt.Errorf("%sKMS_PROVIDER must be one of local, vault, aws, gcp (got %q)", EnvPrefix, c.KMSProvider)
	}
	switch c.WorkerTier {
	case "micro", "small", "medium", "large":
	default:
		return fmt.Errorf("%sWORKER_TIER must be one of micro, small, medium, large (got %q)", EnvPrefix, c.WorkerTier)
	}
	return nil
}

func defaultKeyfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".percolate/master.key"
	}
	return home + "/.percolate/master.key"
}

func env(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
