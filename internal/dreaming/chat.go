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

package dreaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// dreamInstructions is the system prompt of every dreamer run. The agent
// must answer with a single JSON object so the response parses without
// heuristics.
const dreamInstructions = `You are %s, a reflective agent that consolidates a user's recent
activity into durable memories. Read the context below and produce new
insight moments: connections, themes, and emotional threads the user would
want remembered. Answer with a single JSON object of the form
{"moments": [{"name": "...", "summary": "...", "topic_tags": [...],
"emotion_tags": [...], "affinity_fragments": [{"target": "<entity key>",
"relation": "...", "weight": 0.0, "reason": "..."}]}]}.
Targets of affinity_fragments must be entity keys that appear in the
context. Do not invent keys.`

// ChatAgent runs a dreamer against an OpenAI-compatible chat completions
// endpoint with JSON-mode structured output.
type ChatAgent struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewChatAgent creates an agent. endpoint is the API base URL without the
// /chat/completions suffix.
func NewChatAgent(endpoint, apiKey, model string) *ChatAgent {
	return &ChatAgent{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Dream implements Agent.
func (a *ChatAgent) Dream(ctx context.Context, agentName, contextWindow string) (*AgentResult, error) {
	req := chatRequest{Model: a.model}
	req.ResponseFormat.Type = "json_object"
	req.Messages = []chatMessage{
		{Role: "system", Content: fmt.Sprintf(dreamInstructions, agentName)},
		{Role: "user", Content: contextWindow},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dreaming: encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dreaming: building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dreaming: chat call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dreaming: chat call status %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("dreaming: decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("dreaming: chat response has no choices")
	}

	content := parsed.Choices[0].Message.Content
	var structured struct {
		Moments []DreamMoment `json:"moments"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("dreaming: parsing structured output: %w", err)
	}

	// The system prompt stays out of the persisted trace.
	return &AgentResult{
		Moments: structured.Moments,
		Trace: []TraceMessage{
			{Role: "user", Content: contextWindow},
			{Role: "assistant", Content: content},
		},
		IOTokens: parsed.Usage.TotalTokens,
	}, nil
}
