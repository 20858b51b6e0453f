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
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/config"
)

func TestLocalProvider_DeterministicUnitVectors(t *testing.T) {
	p := NewLocalProvider("test")
	ctx := context.Background()

	vecs, err := p.Embed(ctx, []string{"hello world", "hello world", "something else"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, vecs[0], vecs[1], "same text must embed identically")
	assert.NotEqual(t, vecs[0], vecs[2])
	assert.Len(t, vecs[0], p.Dimensions())

	// Unit length, so cosine similarity is just the dot product.
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestLocalProvider_Name(t *testing.T) {
	assert.Equal(t, "local:test", NewLocalProvider("test").Name())
	assert.Equal(t, "local:", NewLocalProvider("").Name())
}

func TestQueryEmbedder(t *testing.T) {
	q := QueryEmbedder{NewLocalProvider("test")}
	vec, err := q.EmbedQuery(context.Background(), "a query")
	require.NoError(t, err)
	assert.Len(t, vec, localDimensions)
}

func TestNewProvider_Specs(t *testing.T) {
	cfg := &config.Config{EmbeddingModel: "local:dev"}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "local:dev", p.Name())

	cfg = &config.Config{
		EmbeddingModel:    "rest:text-embedding-3-small",
		EmbeddingEndpoint: "https://api.openai.com/v1",
	}
	p, err = NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "rest:text-embedding-3-small", p.Name())

	_, err = NewProvider(&config.Config{EmbeddingModel: "quantum:q1"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestRESTProvider_Embed(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "small", req.Model)

		resp := embeddingsResponse{}
		// Answer out of order to exercise index mapping.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 1}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewRESTProvider(server.URL+"/v1", "sk-test", "small")
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{2, 1}, vecs[2])
	assert.Equal(t, 2, p.Dimensions())
}

func TestRESTProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewRESTProvider(server.URL, "", "small")
	_, err := p.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRESTProvider_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewRESTProvider(server.URL, "", "small")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := p.Embed(ctx, []string{"a"})
		require.Error(t, err)
	}

	// The breaker is open now: failures are immediate, no HTTP call.
	_, err := p.Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHashVector_Range(t *testing.T) {
	vec := hashVector("anything at all")
	for i, v := range vec {
		assert.False(t, math.IsNaN(float64(v)), "component %d is NaN", i)
		assert.LessOrEqual(t, float64(v), 1.0)
		assert.GreaterOrEqual(t, float64(v), -1.0)
	}
}
