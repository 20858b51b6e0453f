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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/store"
)

// PayloadString reads a string field from a task payload, empty when absent
// or not a string.
func PayloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// Backfiller re-enqueues embedding work for a table. The embedding service
// satisfies it.
type Backfiller interface {
	Backfill(ctx context.Context, table string) (int64, error)
}

// NewScheduledHandler dispatches maintenance tasks by payload action:
// kv_rebuild, kv_rebuild_incremental, embedding_backfill. An optional
// payload table scopes the action to one table.
func NewScheduledHandler(st *store.Store, backfiller Backfiller) Handler {
	return func(ctx context.Context, task *Task) (map[string]any, error) {
		action := PayloadString(task.Payload, "action")
		table := PayloadString(task.Payload, "table")

		var (
			rows int64
			err  error
		)
		switch action {
		case "kv_rebuild":
			rows, err = st.RebuildKV(ctx, table, false)
		case "kv_rebuild_incremental":
			rows, err = st.RebuildKV(ctx, table, true)
		case "embedding_backfill":
			if backfiller == nil {
				return nil, fmt.Errorf("queue: no backfiller configured")
			}
			rows, err = backfiller.Backfill(ctx, table)
		default:
			return nil, fmt.Errorf("queue: unknown scheduled action %q", action)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"action": action, "rows": rows}, nil
	}
}

// BlobFetcher reads an uploaded blob by its storage URI.
type BlobFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// defaultChunkSize bounds one resource chunk, in bytes of text.
const defaultChunkSize = 4000

// NewFileProcessingHandler turns an uploaded file into retrievable resource
// chunks. The file's text is fetched by URI unless parsed_content is already
// set, chunked on paragraph boundaries, and persisted as ordinal resources
// linked back to the file. Any error marks the file failed before the task
// retries.
func NewFileProcessingHandler(st *store.Store, fetcher BlobFetcher, chunkSize int) Handler {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return func(ctx context.Context, task *Task) (map[string]any, error) {
		fileID := PayloadString(task.Payload, "file_id")
		if fileID == "" {
			return nil, fmt.Errorf("queue: file_processing task without file_id")
		}

		result, err := processFile(ctx, st, fetcher, chunkSize, fileID)
		if err != nil {
			if statusErr := st.SetFileProcessingStatus(ctx, fileID, store.FileStatusFailed); statusErr != nil {
				return nil, fmt.Errorf("%w (marking file failed: %v)", err, statusErr)
			}
			return nil, err
		}
		return result, nil
	}
}

func processFile(ctx context.Context, st *store.Store, fetcher BlobFetcher,
	chunkSize int, fileID string) (map[string]any, error) {
	f, err := st.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("queue: loading file %s: %w", fileID, err)
	}

	text := f.ParsedContent
	if text == "" {
		if f.URI == "" {
			return nil, fmt.Errorf("queue: file %s has no content and no uri", fileID)
		}
		if fetcher == nil {
			return nil, fmt.Errorf("queue: no blob fetcher configured")
		}
		blob, err := fetcher.Fetch(ctx, f.URI)
		if err != nil {
			return nil, fmt.Errorf("queue: fetching %s: %w", f.URI, err)
		}
		text = string(blob)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("queue: file %s produced no text", fileID)
	}

	chunks := chunkText(text, chunkSize)
	fileKey := ids.NormalizeKey(f.Name)
	for i, chunk := range chunks {
		r := &store.Resource{
			Name:     f.Name,
			Ordinal:  i,
			Content:  chunk,
			URI:      f.URI,
			Category: "file_chunk",
		}
		r.GraphEdges = []store.GraphEdge{
			{Target: fileKey, Relation: "chunk_of", Weight: 1.0},
		}
		r.TenantID = f.TenantID
		r.UserID = f.UserID
		if err := st.UpsertResource(ctx, r); err != nil {
			return nil, err
		}
	}

	f.ParsedContent = text
	f.ProcessingStatus = store.FileStatusCompleted
	if err := st.UpsertFile(ctx, f); err != nil {
		return nil, err
	}
	return map[string]any{"file_id": fileID, "chunks": len(chunks)}, nil
}

// chunkText splits text into chunks of at most size bytes, preferring
// paragraph boundaries. Oversized paragraphs are split hard.
func chunkText(text string, size int) []string {
	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > size {
			flush()
			chunks = append(chunks, para[:size])
			para = strings.TrimSpace(para[size:])
		}
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// NewsItem is one hit from a news search.
type NewsItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
}

// NewsSearcher runs a structured web search.
type NewsSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]NewsItem, error)
}

// NewNewsHandler builds a daily news digest moment for a user. The search
// query comes from the payload or falls back to the user's interest tags.
func NewNewsHandler(st *store.Store, searcher NewsSearcher) Handler {
	return func(ctx context.Context, task *Task) (map[string]any, error) {
		if searcher == nil {
			return nil, fmt.Errorf("queue: no news searcher configured")
		}
		userID := PayloadString(task.Payload, "user_id")
		if userID == "" {
			userID = task.UserID
		}
		if userID == "" {
			return nil, fmt.Errorf("queue: news task without user_id")
		}

		query := PayloadString(task.Payload, "query")
		if query == "" {
			user, err := st.GetUser(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("queue: loading user for news task: %w", err)
			}
			query = strings.Join(user.Tags, " ")
		}
		if query == "" {
			return nil, fmt.Errorf("queue: no news query for user %s", userID)
		}

		items, err := searcher.Search(ctx, query, 10)
		if err != nil {
			return nil, fmt.Errorf("queue: news search: %w", err)
		}

		var summary strings.Builder
		fmt.Fprintf(&summary, "News digest for %q:\n", query)
		for _, item := range items {
			fmt.Fprintf(&summary, "- %s (%s)", item.Title, item.URL)
			if item.Summary != "" {
				fmt.Fprintf(&summary, ": %s", item.Summary)
			}
			summary.WriteString("\n")
		}

		m := &store.Moment{
			Name:       fmt.Sprintf("news-%s-%s", userID, time.Now().UTC().Format("2006-01-02")),
			MomentType: store.MomentTypeWebSearch,
			Summary:    summary.String(),
			TopicTags:  strings.Fields(query),
		}
		m.TenantID = task.TenantID
		m.UserID = userID
		if err := st.UpsertMoment(ctx, m); err != nil {
			return nil, err
		}

		// The digest moment is idempotent per day, so a retry after a failed
		// increment does not duplicate it.
		rule := DefaultQuotaRules[TaskNews]
		if _, err := st.IncrementUsage(ctx, userID, rule.Resource, 1, rule.BaseLimit); err != nil {
			return nil, fmt.Errorf("queue: accounting news search: %w", err)
		}
		return map[string]any{"moment_id": m.ID.String(), "items": len(items)}, nil
	}
}
