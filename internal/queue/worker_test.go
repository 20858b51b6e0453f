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
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/store"
)

type stubQuota struct {
	exceeded bool
	used     int
	limit    int
	calls    []string
}

func (q *stubQuota) CheckQuota(_ context.Context, userID, resource string, _ int) (*store.UsageResult, error) {
	q.calls = append(q.calls, userID+"/"+resource)
	return &store.UsageResult{NewUsed: q.used, EffectiveLimit: q.limit, Exceeded: q.exceeded}, nil
}

func newWorker(t *testing.T, f *fixture, quotas QuotaChecker) *Worker {
	t.Helper()
	w, err := NewWorker(f.svc, quotas, nil, logr.Discard(), WorkerConfig{Tier: TierSmall})
	require.NoError(t, err)
	return w
}

func claimOne(t *testing.T, f *fixture, tier string) *Task {
	t.Helper()
	claimed, err := f.svc.Claim(context.Background(), tier, "test-host:"+tier, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestNewWorker_RejectsUnknownTier(t *testing.T) {
	_, err := NewWorker(nil, nil, nil, logr.Discard(), WorkerConfig{Tier: "jumbo"})
	assert.ErrorContains(t, err, "unknown tier")
}

func TestWorker_DispatchCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	w := newWorker(t, f, nil)
	w.Register("noop", func(_ context.Context, task *Task) (map[string]any, error) {
		return map[string]any{"echo": task.Payload["msg"]}, nil
	})

	task := &Task{TaskType: "noop", Tier: TierSmall, Payload: map[string]any{"msg": "hi"}}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	w.Process(ctx, claimOne(t, f, TierSmall))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "hi", got.Result["echo"])
}

func TestWorker_HandlerErrorRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	w := newWorker(t, f, nil)
	w.Register("noop", func(context.Context, *Task) (map[string]any, error) {
		return nil, fmt.Errorf("handler broke")
	})

	task := &Task{TaskType: "noop", Tier: TierSmall}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	w.Process(ctx, claimOne(t, f, TierSmall))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "handler broke", got.LastError)

	events, err := f.svc.Events(ctx, task.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"error", "retrying"}, types)
}

func TestWorker_NoHandlerFailsPermanently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	w := newWorker(t, f, nil)

	task := &Task{TaskType: "mystery", Tier: TierSmall}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	w.Process(ctx, claimOne(t, f, TierSmall))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount, "unhandled tasks must not burn retries")
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestWorker_QuotaPreFlight(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	quota := &stubQuota{exceeded: true, used: 15, limit: 10}
	w := newWorker(t, f, quota)
	handled := false
	w.Register(TaskNews, func(context.Context, *Task) (map[string]any, error) {
		handled = true
		return nil, nil
	})

	task := &Task{TaskType: TaskNews, Tier: TierSmall, UserID: "user-bob"}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	w.Process(ctx, claimOne(t, f, TierSmall))

	assert.False(t, handled, "handler must not run past an exceeded quota")
	assert.Equal(t, []string{"user-bob/news_searches_daily"}, quota.calls)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "quota exceeded")

	events, err := f.svc.Events(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "quota_exceeded", events[0].EventType)
	assert.Equal(t, "news_searches_daily", events[0].Detail["resource"])
	assert.Equal(t, float64(15), events[0].Detail["used"])
}

func TestWorker_QuotaUnderLimitRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	quota := &stubQuota{exceeded: false, used: 2, limit: 10}
	w := newWorker(t, f, quota)
	w.Register(TaskNews, func(context.Context, *Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	task := &Task{TaskType: TaskNews, Tier: TierSmall, UserID: "user-bob"}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	w.Process(ctx, claimOne(t, f, TierSmall))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// Tasks without a user skip the check entirely.
	anon := &Task{TaskType: TaskNews, Tier: TierSmall}
	require.NoError(t, f.svc.Enqueue(ctx, anon))
	w.Register(TaskNews, func(context.Context, *Task) (map[string]any, error) { return nil, nil })
	w.Process(ctx, claimOne(t, f, TierSmall))
	assert.Len(t, quota.calls, 1)
}

type stubBackfiller struct {
	table string
	rows  int64
}

func (b *stubBackfiller) Backfill(_ context.Context, table string) (int64, error) {
	b.table = table
	return b.rows, nil
}

func TestScheduledHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	r := &store.Resource{Name: "doc", Content: "text"}
	require.NoError(t, f.store.UpsertResource(ctx, r))

	backfiller := &stubBackfiller{rows: 7}
	h := NewScheduledHandler(f.store, backfiller)

	result, err := h(ctx, &Task{Payload: map[string]any{"action": "kv_rebuild"}})
	require.NoError(t, err)
	assert.Equal(t, "kv_rebuild", result["action"])
	assert.GreaterOrEqual(t, result["rows"].(int64), int64(1))

	result, err = h(ctx, &Task{Payload: map[string]any{
		"action": "embedding_backfill", "table": "resources"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result["rows"])
	assert.Equal(t, "resources", backfiller.table)

	_, err = h(ctx, &Task{Payload: map[string]any{"action": "defrag"}})
	assert.ErrorContains(t, err, "unknown scheduled action")
}

type stubFetcher struct {
	content map[string][]byte
	err     error
}

func (s *stubFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.content[uri], nil
}

func TestFileProcessingHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	text := "First paragraph of the report.\n\nSecond paragraph with more detail."
	file := &store.File{Name: "report.txt", URI: "blob://report.txt", MimeType: "text/plain"}
	file.TenantID = "acme"
	file.UserID = "user-alice"
	require.NoError(t, f.store.UpsertFile(ctx, file))

	fetcher := &stubFetcher{content: map[string][]byte{"blob://report.txt": []byte(text)}}
	h := NewFileProcessingHandler(f.store, fetcher, 1000)

	result, err := h(ctx, &Task{Payload: map[string]any{"file_id": file.ID.String()}})
	require.NoError(t, err)
	assert.Equal(t, 1, result["chunks"], "short paragraphs coalesce into one chunk")

	got, err := f.store.GetFile(ctx, file.ID.String())
	require.NoError(t, err)
	assert.Equal(t, store.FileStatusCompleted, got.ProcessingStatus)
	assert.Equal(t, text, got.ParsedContent)

	// The chunk landed as a resource linked back to the file.
	rows, err := f.store.Lookup(ctx, "acme", []string{"report.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
}

func TestFileProcessingHandler_FetchFailureMarksFileFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	file := &store.File{Name: "broken.txt", URI: "blob://broken.txt"}
	require.NoError(t, f.store.UpsertFile(ctx, file))

	h := NewFileProcessingHandler(f.store, &stubFetcher{err: fmt.Errorf("blob gone")}, 0)
	_, err := h(ctx, &Task{Payload: map[string]any{"file_id": file.ID.String()}})
	require.ErrorContains(t, err, "blob gone")

	got, err := f.store.GetFile(ctx, file.ID.String())
	require.NoError(t, err)
	assert.Equal(t, store.FileStatusFailed, got.ProcessingStatus)
}

type stubSearcher struct {
	query string
	items []NewsItem
}

func (s *stubSearcher) Search(_ context.Context, query string, _ int) ([]NewsItem, error) {
	s.query = query
	return s.items, nil
}

func TestNewsHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	u := &store.User{Name: "alice", Email: "alice@example.com"}
	u.TenantID = "acme"
	u.Tags = []string{"fermentation", "robotics"}
	require.NoError(t, f.store.UpsertUser(ctx, u))

	searcher := &stubSearcher{items: []NewsItem{
		{Title: "Yeast beats expectations", URL: "https://example.com/yeast"},
	}}
	h := NewNewsHandler(f.store, searcher)

	task := &Task{
		TaskType: TaskNews,
		TenantID: "acme",
		Payload:  map[string]any{"user_id": u.ID.String()},
	}
	result, err := h(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 1, result["items"])
	assert.Equal(t, "fermentation robotics", searcher.query)

	moment, err := f.store.GetMoment(ctx, result["moment_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.MomentTypeWebSearch, moment.MomentType)
	assert.Contains(t, moment.Summary, "Yeast beats expectations")

	// The search was charged against the daily quota.
	rule := DefaultQuotaRules[TaskNews]
	usage, err := f.store.CheckQuota(ctx, u.ID.String(), rule.Resource, rule.BaseLimit)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.NewUsed)
}

func TestChunkText(t *testing.T) {
	chunks := chunkText("aaa\n\nbbb\n\nccc", 100)
	assert.Equal(t, []string{"aaa\n\nbbb\n\nccc"}, chunks)

	chunks = chunkText("aaa\n\nbbb\n\nccc", 8)
	assert.Equal(t, []string{"aaa\n\nbbb", "ccc"}, chunks)

	// An oversized paragraph splits hard.
	chunks = chunkText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, chunks)

	assert.Empty(t, chunkText("  \n\n  ", 10))
}

func TestPayloadString(t *testing.T) {
	p := map[string]any{"s": "v", "n": 3}
	assert.Equal(t, "v", PayloadString(p, "s"))
	assert.Empty(t, PayloadString(p, "n"))
	assert.Empty(t, PayloadString(nil, "missing"))
}
