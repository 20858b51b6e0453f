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

// Package store persists Percolate entities in PostgreSQL. Every entity
// shares the envelope (id, timestamps, soft delete, tenant and user scope,
// tags, metadata, graph edges); canonical entities derive their id from
// (table, name) so re-upserting the same name always targets the same row.
// Trigger-maintained side tables (kv_store, embedding_queue,
// schema_timemachine) are populated by the database, not by this package.
package store

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// GraphEdge is one typed, weighted link from an entity to a KV key.
type GraphEdge struct {
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// MergeEdges merges additions into edges. Edges with the same
// (target, relation) are deduplicated keeping the higher weight; the result
// is sorted by target then relation so merges are stable.
func MergeEdges(edges, additions []GraphEdge) []GraphEdge {
	type key struct{ target, relation string }
	merged := make(map[key]GraphEdge, len(edges)+len(additions))
	for _, e := range edges {
		merged[key{e.Target, e.Relation}] = e
	}
	for _, e := range additions {
		k := key{e.Target, e.Relation}
		if existing, ok := merged[k]; !ok || e.Weight > existing.Weight {
			merged[k] = e
		}
	}

	out := make([]GraphEdge, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Relation < out[j].Relation
	})
	return out
}

// Envelope holds the columns shared by every entity table.
type Envelope struct {
	ID         uuid.UUID      `json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	GraphEdges []GraphEdge    `json:"graph_edges,omitempty"`
}

// Tenant is the isolation boundary. EncryptionMode is one of platform,
// client, sealed, disabled. Metadata may carry a dreamer_agents list.
type Tenant struct {
	Envelope
	Name           string `json:"name"`
	EncryptionMode string `json:"encryption_mode"`
}

// Device describes one push-notification target of a user.
type Device struct {
	Kind     string `json:"kind"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// User belongs to exactly one tenant. Email is deterministically encrypted
// so exact-match lookup works; Content is a randomized-encrypted blurb.
type User struct {
	Envelope
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Content string   `json:"content,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

// Schema is one ontology registry row. For Kind "table" JSONSchema encodes
// the per-table configuration (kv sync, embedding field, encryption, the KV
// summary expression).
type Schema struct {
	Envelope
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	JSONSchema  map[string]any `json:"json_schema,omitempty"`
}

// Schema kinds.
const (
	SchemaKindAgent     = "agent"
	SchemaKindEvaluator = "evaluator"
	SchemaKindModel     = "model"
	SchemaKindTool      = "tool"
	SchemaKindResource  = "resource"
	SchemaKindTable     = "table"
)

// Session is a conversation or background run.
type Session struct {
	Envelope
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	AgentName   string `json:"agent_name,omitempty"`
	TotalTokens int    `json:"total_tokens"`
}

// Session modes.
const (
	SessionModeChat     = "chat"
	SessionModeDreaming = "dreaming"
	SessionModeResearch = "research"
)

// Message is one turn or tool trace inside a session. Content is encrypted.
type Message struct {
	Envelope
	SessionID   uuid.UUID        `json:"session_id"`
	MessageType string           `json:"message_type"`
	Content     string           `json:"content"`
	ToolCalls   []map[string]any `json:"tool_calls,omitempty"`
	TokenCount  int              `json:"token_count"`
}

// Message types.
const (
	MessageTypeUser         = "user"
	MessageTypeAssistant    = "assistant"
	MessageTypeToolCall     = "tool_call"
	MessageTypeToolResponse = "tool_response"
	MessageTypeSystem       = "system"
)

// Moment is a durable memory object.
type Moment struct {
	Envelope
	Name               string     `json:"name"`
	MomentType         string     `json:"moment_type"`
	Summary            string     `json:"summary,omitempty"`
	StartsTimestamp    *time.Time `json:"starts_timestamp,omitempty"`
	EndsTimestamp      *time.Time `json:"ends_timestamp,omitempty"`
	TopicTags          []string   `json:"topic_tags,omitempty"`
	EmotionTags        []string   `json:"emotion_tags,omitempty"`
	SourceSessionID    *uuid.UUID `json:"source_session_id,omitempty"`
	PreviousMomentKeys []string   `json:"previous_moment_keys,omitempty"`
}

// Moment types.
const (
	MomentTypeDream         = "dream"
	MomentTypeSessionChunk  = "session_chunk"
	MomentTypeMeeting       = "meeting"
	MomentTypeContentUpload = "content_upload"
	MomentTypeWebSearch     = "web_search"
	MomentTypeNotification  = "notification"
)

// Resource is a retrievable document or chunk.
type Resource struct {
	Envelope
	Name     string  `json:"name"`
	URI      string  `json:"uri,omitempty"`
	Ordinal  int     `json:"ordinal"`
	Content  string  `json:"content,omitempty"`
	Category string  `json:"category,omitempty"`
	Comment  string  `json:"comment,omitempty"`
	ImageURI string  `json:"image_uri,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
}

// File is an uploaded blob plus its extracted text.
type File struct {
	Envelope
	Name             string         `json:"name"`
	MimeType         string         `json:"mime_type,omitempty"`
	SizeBytes        int64          `json:"size_bytes"`
	URI              string         `json:"uri,omitempty"`
	ParsedContent    string         `json:"parsed_content,omitempty"`
	ParsedOutput     map[string]any `json:"parsed_output,omitempty"`
	ThumbnailURI     string         `json:"thumbnail_uri,omitempty"`
	ProcessingStatus string         `json:"processing_status,omitempty"`
}

// File processing statuses.
const (
	FileStatusPending   = "pending"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
)

// Ontology is a long-form encrypted, embedded document.
type Ontology struct {
	Envelope
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Server is an MCP or OpenAPI service registration.
type Server struct {
	Envelope
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// Tool is one callable exposed by a Server.
type Tool struct {
	Envelope
	Name        string         `json:"name"`
	ServerName  string         `json:"server_name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Feedback is an ancillary per-session rating row.
type Feedback struct {
	Envelope
	SessionID uuid.UUID `json:"session_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
}

// StorageGrant records an external storage authorization for a user.
type StorageGrant struct {
	Envelope
	Provider  string     `json:"provider"`
	GrantRef  string     `json:"grant_ref"`
	Scope     string     `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
