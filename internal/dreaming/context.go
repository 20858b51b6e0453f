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
	"fmt"
	"strings"
	"time"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/tokens"
)

// contextBudgetTokens caps the assembled window at roughly 30% of a 128K
// model context.
const contextBudgetTokens = 38000

// Per-section caps of the context window.
const (
	maxContextMoments   = 50
	maxContextSessions  = 5
	maxSessionMessages  = 20
	maxContextFiles     = 10
	maxContextResources = 10
)

// contextWindow is the assembled dreamer input. referencedKeys collects the
// graph-edge targets seen while rendering moments, used to pull in linked
// resources.
type contextWindow struct {
	text           string
	referencedKeys []string

	moments   int
	sessions  int
	files     int
	resources int
}

func (w *contextWindow) empty() bool {
	return w.moments == 0 && w.sessions == 0 && w.files == 0 && w.resources == 0
}

// buildContext assembles the bounded window: recent moments, recent session
// transcripts, freshly processed files, then resources the moment edges point
// at. Each block is added only while it fits the token budget.
func (s *Service) buildContext(ctx context.Context, tenantID, userID string) (*contextWindow, error) {
	budget := tokens.NewBudget(contextBudgetTokens)
	window := &contextWindow{}
	var out strings.Builder

	since := time.Now().Add(-time.Duration(s.cfg.LookbackDays) * 24 * time.Hour)
	moments, err := s.store.RecentMoments(ctx, userID, since, maxContextMoments)
	if err != nil {
		return nil, err
	}
	if len(moments) > 0 {
		out.WriteString("# Recent moments\n")
		seen := map[string]bool{}
		for _, m := range moments {
			block := renderMoment(m)
			if !budget.TryConsume(block) {
				continue
			}
			out.WriteString(block)
			window.moments++
			for _, e := range m.GraphEdges {
				if !seen[e.Target] {
					seen[e.Target] = true
					window.referencedKeys = append(window.referencedKeys, e.Target)
				}
			}
		}
	}

	sessions, err := s.store.RecentSessions(ctx, userID, maxContextSessions)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Mode == store.SessionModeDreaming {
			continue
		}
		messages, err := s.store.RecentMessages(ctx, sess.ID.String(), maxSessionMessages)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			continue
		}
		block := renderSession(sess, messages)
		if !budget.TryConsume(block) {
			continue
		}
		out.WriteString(block)
		window.sessions++
	}

	files, err := s.store.RecentCompletedFiles(ctx, userID, maxContextFiles)
	if err != nil {
		return nil, err
	}
	shownFiles := map[string]bool{}
	for _, f := range files {
		if f.ParsedContent == "" {
			continue
		}
		block := fmt.Sprintf("# File: %s\n%s\n\n", f.Name, f.ParsedContent)
		if !budget.TryConsume(block) {
			continue
		}
		out.WriteString(block)
		window.files++
		shownFiles[f.ID.String()] = true
	}

	if err := s.addReferencedResources(ctx, tenantID, window, budget, &out, shownFiles); err != nil {
		return nil, err
	}

	window.text = out.String()
	return window, nil
}

// addReferencedResources resolves the keys collected from moment edges and
// appends the resources they point at, skipping files already rendered.
func (s *Service) addReferencedResources(ctx context.Context, tenantID string,
	window *contextWindow, budget *tokens.Budget, out *strings.Builder, shownFiles map[string]bool) error {
	if len(window.referencedKeys) == 0 {
		return nil
	}

	rows, err := s.store.Lookup(ctx, tenantID, window.referencedKeys)
	if err != nil {
		return err
	}
	var resourceIDs []string
	for _, row := range rows {
		if row.EntityType != "resources" || shownFiles[row.EntityID.String()] {
			continue
		}
		resourceIDs = append(resourceIDs, row.EntityID.String())
		if len(resourceIDs) == maxContextResources {
			break
		}
	}
	if len(resourceIDs) == 0 {
		return nil
	}

	resources, err := s.store.GetResourcesByIDs(ctx, resourceIDs)
	if err != nil {
		return err
	}
	for _, r := range resources {
		if r.Content == "" {
			continue
		}
		block := fmt.Sprintf("# Resource: %s\n%s\n\n", r.Name, r.Content)
		if !budget.TryConsume(block) {
			continue
		}
		out.WriteString(block)
		window.resources++
	}
	return nil
}

func renderMoment(m *store.Moment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] %s", m.MomentType, m.Name)
	if m.Summary != "" {
		fmt.Fprintf(&b, ": %s", m.Summary)
	}
	if len(m.TopicTags) > 0 {
		fmt.Fprintf(&b, " (topics: %s)", strings.Join(m.TopicTags, ", "))
	}
	for _, e := range m.GraphEdges {
		fmt.Fprintf(&b, " -> %s[%s]", e.Target, e.Relation)
	}
	b.WriteString("\n")
	return b.String()
}

func renderSession(sess *store.Session, messages []*store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session: %s\n", sess.Name)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.MessageType, m.Content)
	}
	b.WriteString("\n")
	return b.String()
}
