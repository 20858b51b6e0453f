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

// Package embedding drains the embedding queue into per-table vector tables.
// Providers are selected by a "provider:model" spec; the provider name is
// stored alongside each vector so different models can coexist.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/percolationlabs/percolate/internal/config"
)

// ErrProviderUnavailable wraps transport and circuit-breaker failures.
var ErrProviderUnavailable = errors.New("embedding: provider unavailable")

// Provider produces embedding vectors for batches of text.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name is the "provider:model" identity stored with each vector.
	Name() string
	// Dimensions is the vector width this provider produces.
	Dimensions() int
}

// NewProvider builds a Provider from the configured "provider:model" spec.
func NewProvider(cfg *config.Config) (Provider, error) {
	provider, model, _ := strings.Cut(cfg.EmbeddingModel, ":")
	switch provider {
	case "local", "":
		return NewLocalProvider(model), nil
	case "rest", "openai":
		return NewRESTProvider(cfg.EmbeddingEndpoint, cfg.OpenAIAPIKey, model), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q in %q", provider, cfg.EmbeddingModel)
	}
}

// QueryEmbedder adapts a Provider to single-text query embedding.
type QueryEmbedder struct {
	Provider
}

// EmbedQuery embeds one query string.
func (q QueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := q.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}
