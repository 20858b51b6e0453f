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

// Package dreaming turns a user's recent activity into linked dream moments
// through a two-phase pipeline: a purely SQL consolidation of hot sessions
// into chunk moments, then an LLM pass over a bounded context window that
// emits structured dream moments and affinity edges.
package dreaming

import "context"

// AffinityFragment is one outgoing link proposed by the dreamer, pointing at
// an existing KV key.
type AffinityFragment struct {
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// DreamMoment is one structured insight returned by the dreamer agent.
type DreamMoment struct {
	Name              string             `json:"name"`
	Summary           string             `json:"summary"`
	TopicTags         []string           `json:"topic_tags,omitempty"`
	EmotionTags       []string           `json:"emotion_tags,omitempty"`
	AffinityFragments []AffinityFragment `json:"affinity_fragments,omitempty"`
}

// TraceMessage is one request or response persisted into the dreaming
// session. System prompts never appear here.
type TraceMessage struct {
	Role      string
	Content   string
	ToolCalls []map[string]any
}

// AgentResult is one dreamer run: the structured moments, the message trace,
// and the tokens consumed.
type AgentResult struct {
	Moments  []DreamMoment
	Trace    []TraceMessage
	IOTokens int
}

// Agent runs one dreamer over an assembled context window.
type Agent interface {
	Dream(ctx context.Context, agentName, contextWindow string) (*AgentResult, error)
}
