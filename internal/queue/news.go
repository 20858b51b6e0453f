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

package queue

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

// RESTSearcher backs the news handler with a JSON search API. Calls pass
// through a rate limiter and a circuit breaker so a struggling search
// upstream degrades to fast failures instead of pile-ups.
type RESTSearcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]NewsItem]
	limiter  *rate.Limiter
}

// NewRESTSearcher creates a searcher for a JSON search API. endpoint is the
// base URL without the /search suffix.
func NewRESTSearcher(endpoint, apiKey string) *RESTSearcher {
	breaker := gobreaker.NewCircuitBreaker[[]NewsItem](gobreaker.Settings{
		Name:    "news-search",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RESTSearcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Limit(2), 5),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []NewsItem `json:"results"`
}

// Search implements NewsSearcher.
func (s *RESTSearcher) Search(ctx context.Context, query string, limit int) ([]NewsItem, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.breaker.Execute(func() ([]NewsItem, error) {
		return s.call(ctx, query, limit)
	})
}

func (s *RESTSearcher) call(ctx context.Context, query string, limit int) ([]NewsItem, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("queue: encoding search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("queue: building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queue: news search call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("queue: news search status %d: %s", resp.StatusCode, snippet)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("queue: decoding search response: %w", err)
	}
	return parsed.Results, nil
}
