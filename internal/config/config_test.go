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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("P8_DATABASE_URL", "postgres://localhost/percolate")

	cfg := Load()
	assert.Equal(t, "postgres://localhost/percolate", cfg.DatabaseURL)
	assert.Equal(t, ":8008", cfg.ListenAddr)
	assert.Equal(t, KMSLocal, cfg.KMSProvider)
	assert.Equal(t, "system", cfg.SystemTenantID)
	assert.Equal(t, "local:", cfg.EmbeddingModel)
	assert.Equal(t, "micro", cfg.WorkerTier)
	assert.Equal(t, 10*time.Second, cfg.EmbeddingPollInterval)
	// Matches the fallback inside the moment-building SQL.
	assert.Equal(t, 2000, cfg.MomentTokenThreshold)
	assert.Empty(t, cfg.NewsSearchEndpoint, "news tasks are off until a searcher is configured")

	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("P8_DATABASE_URL", "postgres://localhost/percolate")
	t.Setenv("P8_KMS_PROVIDER", "vault")
	t.Setenv("P8_WORKER_TIER", "large")
	t.Setenv("P8_WORKER_POLL_INTERVAL", "30s")
	t.Setenv("P8_EMBEDDING_BATCH_SIZE", "128")

	cfg := Load()
	assert.Equal(t, KMSVault, cfg.KMSProvider)
	assert.Equal(t, "large", cfg.WorkerTier)
	assert.Equal(t, 30*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 128, cfg.EmbeddingBatchSize)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database URL",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "P8_DATABASE_URL",
		},
		{
			name:    "bad KMS provider",
			mutate:  func(c *Config) { c.KMSProvider = "azure" },
			wantErr: "P8_KMS_PROVIDER",
		},
		{
			name:    "bad worker tier",
			mutate:  func(c *Config) { c.WorkerTier = "jumbo" },
			wantErr: "P8_WORKER_TIER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("P8_DATABASE_URL", "postgres://localhost/percolate")
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
