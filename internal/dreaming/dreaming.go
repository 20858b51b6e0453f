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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
)

// defaultDreamerAgent runs when the tenant does not configure its own list.
const defaultDreamerAgent = "dreaming-agent"

// usageResource is the post-flight accounting bucket for dreamer token IO.
const usageResource = "dreaming_io_tokens"

// Config tunes the pipeline.
type Config struct {
	// LookbackDays bounds how far back moments are pulled into context.
	LookbackDays int
	// MomentThreshold is the Phase 1 token threshold; 0 uses the database
	// default.
	MomentThreshold int
	// IOTokenBaseLimit is the monthly dreaming token allowance before grants.
	IOTokenBaseLimit int
}

// DefaultConfig returns production pipeline defaults.
func DefaultConfig() Config {
	return Config{LookbackDays: 1, MomentThreshold: 0, IOTokenBaseLimit: 1_000_000}
}

// Service runs the two-phase dreaming pipeline.
type Service struct {
	store  *store.Store
	agent  Agent
	logger logr.Logger
	cfg    Config
}

// NewService creates the pipeline. agent may be nil, in which case Phase 2
// is reported as an error while Phase 1 still runs.
func NewService(st *store.Store, agent Agent, logger logr.Logger, cfg Config) *Service {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 1
	}
	if cfg.IOTokenBaseLimit <= 0 {
		cfg.IOTokenBaseLimit = 1_000_000
	}
	return &Service{store: st, agent: agent, logger: logger, cfg: cfg}
}

// Result is the pipeline outcome. The two phases are independent: Phase 1
// chunk ids survive a Phase 2 failure, which is reported in Status and Error
// instead of failing the run.
type Result struct {
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
	ChunkMoments []string `json:"chunk_moments,omitempty"`
	DreamMoments []string `json:"dream_moments,omitempty"`
	IOTokens     int      `json:"io_tokens"`
}

// Dream runs both phases for one user. Only infrastructure failures in
// Phase 1 return an error; Phase 2 problems are folded into the result.
func (s *Service) Dream(ctx context.Context, tenantID, userID string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("dreaming: user id is required")
	}
	result := &Result{Status: "ok"}

	chunks, err := s.consolidate(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.ChunkMoments = chunks

	dreams, ioTokens, err := s.dream(ctx, tenantID, userID)
	if err != nil {
		s.logger.Error(err, "dreaming phase 2 failed", "user_id", userID)
		result.Status = "error"
		result.Error = err.Error()
		result.IOTokens = 0
		return result, nil
	}
	result.DreamMoments = dreams
	result.IOTokens = ioTokens
	return result, nil
}

// consolidate is Phase 1: collapse hot sessions into chunk moments, purely
// in SQL.
func (s *Service) consolidate(ctx context.Context, userID string) ([]string, error) {
	sessions, err := s.store.RecentSessions(ctx, userID, maxContextSessions)
	if err != nil {
		return nil, err
	}

	var chunkIDs []string
	for _, sess := range sessions {
		if sess.Mode == store.SessionModeDreaming {
			continue
		}
		momentID, err := s.store.BuildMoment(ctx, sess.ID.String(), s.cfg.MomentThreshold)
		if err != nil {
			return nil, err
		}
		if momentID != nil {
			chunkIDs = append(chunkIDs, momentID.String())
		}
	}
	return chunkIDs, nil
}

// dream is Phase 2: run each dreamer agent over the bounded context window,
// persist its moments and trace, merge back-edges, then account the tokens.
func (s *Service) dream(ctx context.Context, tenantID, userID string) ([]string, int, error) {
	if s.agent == nil {
		return nil, 0, fmt.Errorf("dreaming: no agent configured")
	}

	window, err := s.buildContext(ctx, tenantID, userID)
	if err != nil {
		return nil, 0, err
	}
	if window.empty() {
		s.logger.Info("nothing to dream about", "user_id", userID)
		return nil, 0, nil
	}

	agents, err := s.dreamerAgents(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}

	session := &store.Session{
		Name:      fmt.Sprintf("dreaming-%s-%s", userID, time.Now().UTC().Format("20060102-150405")),
		Mode:      store.SessionModeDreaming,
		AgentName: agents[0],
	}
	session.TenantID = tenantID
	session.UserID = userID
	if err := s.store.UpsertSession(ctx, session); err != nil {
		return nil, 0, err
	}

	var (
		dreamIDs []string
		ioTokens int
	)
	for _, agentName := range agents {
		run, err := s.agent.Dream(ctx, agentName, window.text)
		if err != nil {
			return nil, 0, fmt.Errorf("dreaming: agent %s: %w", agentName, err)
		}
		ioTokens += run.IOTokens

		for _, dm := range run.Moments {
			id, err := s.persistDream(ctx, session, tenantID, userID, dm)
			if err != nil {
				return nil, 0, err
			}
			dreamIDs = append(dreamIDs, id)
		}
		if err := s.persistTrace(ctx, session, run.Trace); err != nil {
			return nil, 0, err
		}
	}

	// Accounted exactly once per run, after all agents finished.
	if _, err := s.store.IncrementUsage(ctx, userID, usageResource,
		ioTokens, s.cfg.IOTokenBaseLimit); err != nil {
		return nil, 0, err
	}
	return dreamIDs, ioTokens, nil
}

// dreamerAgents resolves the tenant's dreamer list, defaulting to the
// built-in agent.
func (s *Service) dreamerAgents(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return []string{defaultDreamerAgent}, nil
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []string{defaultDreamerAgent}, nil
		}
		return nil, err
	}

	raw, _ := tenant.Metadata["dreamer_agents"].([]any)
	var agents []string
	for _, v := range raw {
		if name, ok := v.(string); ok && name != "" {
			agents = append(agents, name)
		}
	}
	if len(agents) == 0 {
		agents = []string{defaultDreamerAgent}
	}
	return agents, nil
}

// persistDream stores one dream moment and merges the dreamed_from back-edge
// onto every entity its affinity fragments point at.
func (s *Service) persistDream(ctx context.Context, session *store.Session,
	tenantID, userID string, dm DreamMoment) (string, error) {
	name := ids.NormalizeKey(dm.Name)
	if !strings.HasPrefix(name, "dream-") {
		name = "dream-" + name
	}

	edges := make([]store.GraphEdge, 0, len(dm.AffinityFragments))
	for _, f := range dm.AffinityFragments {
		edges = append(edges, store.GraphEdge{
			Target:   f.Target,
			Relation: f.Relation,
			Weight:   f.Weight,
			Reason:   f.Reason,
		})
	}

	sessionID := session.ID
	m := &store.Moment{
		Name:            name,
		MomentType:      store.MomentTypeDream,
		Summary:         dm.Summary,
		TopicTags:       dm.TopicTags,
		EmotionTags:     dm.EmotionTags,
		SourceSessionID: &sessionID,
	}
	m.TenantID = tenantID
	m.UserID = userID
	m.GraphEdges = edges
	if err := s.store.UpsertMoment(ctx, m); err != nil {
		return "", err
	}

	for _, f := range dm.AffinityFragments {
		if err := s.mergeBackEdge(ctx, tenantID, name, f); err != nil {
			s.logger.Error(err, "merging dream back-edge failed",
				"dream", name, "target", f.Target)
		}
	}
	return m.ID.String(), nil
}

// mergeBackEdge resolves a fragment target through the KV index and writes
// the reverse dreamed_from edge onto the source entity.
func (s *Service) mergeBackEdge(ctx context.Context, tenantID, dreamKey string, f AffinityFragment) error {
	rows, err := s.store.Lookup(ctx, tenantID, []string{f.Target})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// The agent referenced a key that does not exist; skip quietly.
		return nil
	}

	row := rows[0]
	return s.store.MergeGraphEdges(ctx, row.EntityType, row.EntityID.String(), []store.GraphEdge{{
		Target:   dreamKey,
		Relation: "dreamed_from",
		Weight:   f.Weight,
		Reason:   f.Reason,
	}})
}

// persistTrace appends the dreamer's request and response rows to the
// dreaming session.
func (s *Service) persistTrace(ctx context.Context, session *store.Session, trace []TraceMessage) error {
	for _, t := range trace {
		messageType := t.Role
		switch t.Role {
		case "user":
			messageType = store.MessageTypeUser
		case "assistant":
			messageType = store.MessageTypeAssistant
		case "tool_call":
			messageType = store.MessageTypeToolCall
		case "tool_response":
			messageType = store.MessageTypeToolResponse
		case "system":
			continue
		}
		m := &store.Message{
			SessionID:   session.ID,
			MessageType: messageType,
			Content:     t.Content,
			ToolCalls:   t.ToolCalls,
		}
		m.TenantID = session.TenantID
		m.UserID = session.UserID
		if err := s.store.InsertMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Handler adapts the pipeline to the task queue. Phase 2 errors are part of
// the stored result, not a task failure, so the retry budget is saved for
// infrastructure problems.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) (map[string]any, error) {
		userID := queue.PayloadString(task.Payload, "user_id")
		if userID == "" {
			userID = task.UserID
		}
		result, err := s.Dream(ctx, task.TenantID, userID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"status":    result.Status,
			"io_tokens": result.IOTokens,
			"chunks":    len(result.ChunkMoments),
			"dreams":    len(result.DreamMoments),
		}
		if result.Error != "" {
			out["error"] = result.Error
		}
		return out, nil
	}
}
