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

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// RESTProvider calls an OpenAI-compatible /embeddings endpoint. Calls pass
// through a rate limiter and a circuit breaker so a struggling provider
// degrades to fast failures instead of pile-ups.
type RESTProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[][]float32]
	limiter  *rate.Limiter

	// dims is learned from the first successful response.
	dims int
}

// NewRESTProvider creates a provider for an OpenAI-compatible API. endpoint
// is the base URL without the /embeddings suffix.
func NewRESTProvider(endpoint, apiKey, model string) *RESTProvider {
	breaker := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:    "embedding-" + model,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RESTProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Name implements Provider.
func (p *RESTProvider) Name() string {
	return "rest:" + p.model
}

// Dimensions implements Provider. Zero until the first successful call.
func (p *RESTProvider) Dimensions() int {
	return p.dims
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *RESTProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	vectors, err := p.breaker.Execute(func() ([][]float32, error) {
		return p.call(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return vectors, nil
}

func (p *RESTProvider) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, snippet)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decoding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding: vector index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if len(vectors) > 0 && vectors[0] != nil {
		p.dims = len(vectors[0])
	}
	return vectors, nil
}
