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

package kms

import (
	"context"
	"fmt"

	"github.com/percolationlabs/percolate/internal/config"
)

// NewBackend constructs the backend selected by cfg.KMSProvider.
func NewBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.KMSProvider {
	case config.KMSLocal:
		return NewLocalBackend(cfg.KMSLocalKeyfile)
	case config.KMSVault:
		return NewVaultBackend(cfg.KMSVaultURL, cfg.KMSVaultToken, cfg.KMSVaultMount)
	case config.KMSAWS:
		return NewAWSBackend(ctx, cfg.KMSAWSKeyID, cfg.KMSAWSRegion)
	case config.KMSGCP:
		return NewGCPBackend(ctx, cfg.KMSGCPKeyID)
	default:
		return nil, fmt.Errorf("kms: unknown provider %q", cfg.KMSProvider)
	}
}
