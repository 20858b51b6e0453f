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
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/percolationlabs/percolate/internal/encryption"
	"github.com/percolationlabs/percolate/internal/kms"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/store/postgres"
	"github.com/percolationlabs/percolate/pkg/logging"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("percolate_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

func freshDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())

	db, err := sql.Open("pgx", testConnStr)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	connStr := replaceDBName(testConnStr, dbName)

	logger, flush, err := logging.NewLogger()
	require.NoError(t, err)
	t.Cleanup(flush)

	mg, err := postgres.NewMigrator(connStr, logger)
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		mainDB, err := sql.Open("pgx", testConnStr)
		if err == nil {
			_, _ = mainDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			_ = mainDB.Close()
		}
	})

	return pool
}

func replaceDBName(connStr, newDB string) string {
	qIdx := len(connStr)
	for i, c := range connStr {
		if c == '?' {
			qIdx = i
			break
		}
	}
	slashIdx := 0
	for i := qIdx - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			slashIdx = i
			break
		}
	}
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

type fixture struct {
	pool  *pgxpool.Pool
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := freshDB(t)

	backend, err := kms.NewLocalBackend(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	enc := encryption.NewService(kms.NewService(pool, backend, "percolate"), "system")
	return &fixture{pool: pool, store: store.NewFromPool(pool, enc)}
}

type stubAgent struct {
	calls   []string
	moments []DreamMoment
	tokens  int
	err     error

	lastWindow string
}

func (a *stubAgent) Dream(_ context.Context, agentName, window string) (*AgentResult, error) {
	a.calls = append(a.calls, agentName)
	a.lastWindow = window
	if a.err != nil {
		return nil, a.err
	}
	return &AgentResult{
		Moments: a.moments,
		Trace: []TraceMessage{
			{Role: "user", Content: window},
			{Role: "assistant", Content: `{"moments":[]}`},
		},
		IOTokens: a.tokens,
	}, nil
}

// seedActivity gives a user one busy chat session so both phases have
// material to work with.
func seedActivity(t *testing.T, f *fixture, tenantID, userID string) *store.Session {
	t.Helper()
	ctx := context.Background()

	sess := &store.Session{Name: userID + "-chat"}
	sess.TenantID = tenantID
	sess.UserID = userID
	require.NoError(t, f.store.UpsertSession(ctx, sess))

	for i := 0; i < 4; i++ {
		m := &store.Message{
			SessionID:   sess.ID,
			MessageType: store.MessageTypeUser,
			Content: fmt.Sprintf("message %d about the fermentation experiment, "+
				"long enough to carry a real token count", i),
		}
		m.TenantID = tenantID
		m.UserID = userID
		require.NoError(t, f.store.InsertMessage(ctx, m))
	}
	return sess
}

func TestDream_TwoPhases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	seedActivity(t, f, "acme", "user-dana")

	// A resource the dreamer will link back to.
	r := &store.Resource{Name: "alpha-notes", Content: "notes about alpha"}
	r.TenantID = "acme"
	require.NoError(t, f.store.UpsertResource(ctx, r))

	agent := &stubAgent{
		tokens: 420,
		moments: []DreamMoment{{
			Name:        "The Alpha Thread",
			Summary:     "Recent sessions orbit the alpha experiment.",
			TopicTags:   []string{"alpha"},
			EmotionTags: []string{"curious"},
			AffinityFragments: []AffinityFragment{
				{Target: "alpha-notes", Relation: "derived_from", Weight: 0.9, Reason: "repeated mentions"},
			},
		}},
	}
	svc := NewService(f.store, agent, logr.Discard(),
		Config{LookbackDays: 1, MomentThreshold: 10})

	result, err := svc.Dream(ctx, "acme", "user-dana")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 420, result.IOTokens)
	require.Len(t, result.ChunkMoments, 1, "phase 1 must chunk the busy session")
	require.Len(t, result.DreamMoments, 1)
	require.Equal(t, []string{"dreaming-agent"}, agent.calls)

	// The chunk moment is phase 1's work.
	chunk, err := f.store.GetMoment(ctx, result.ChunkMoments[0])
	require.NoError(t, err)
	assert.Equal(t, store.MomentTypeSessionChunk, chunk.MomentType)

	// The dream moment carries the prefix, type, and outgoing edge.
	dream, err := f.store.GetMoment(ctx, result.DreamMoments[0])
	require.NoError(t, err)
	assert.Equal(t, "dream-the-alpha-thread", dream.Name)
	assert.Equal(t, store.MomentTypeDream, dream.MomentType)
	require.Len(t, dream.GraphEdges, 1)
	assert.Equal(t, "alpha-notes", dream.GraphEdges[0].Target)
	require.NotNil(t, dream.SourceSessionID)

	// The back-edge landed on the resource.
	got, err := f.store.GetResource(ctx, r.ID.String())
	require.NoError(t, err)
	require.Len(t, got.GraphEdges, 1)
	assert.Equal(t, "dream-the-alpha-thread", got.GraphEdges[0].Target)
	assert.Equal(t, "dreamed_from", got.GraphEdges[0].Relation)
	assert.Equal(t, 0.9, got.GraphEdges[0].Weight)

	// The dreaming session hosts the trace, without a system prompt.
	sessions, err := f.store.RecentSessions(ctx, "user-dana", 10)
	require.NoError(t, err)
	var dreamingSession *store.Session
	for _, s := range sessions {
		if s.Mode == store.SessionModeDreaming {
			dreamingSession = s
		}
	}
	require.NotNil(t, dreamingSession)
	assert.Equal(t, dreamingSession.ID, *dream.SourceSessionID)
	trace, err := f.store.RecentMessages(ctx, dreamingSession.ID.String(), 10)
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, store.MessageTypeUser, trace[0].MessageType)
	assert.Equal(t, store.MessageTypeAssistant, trace[1].MessageType)

	// Tokens accounted exactly once.
	usage, err := f.store.CheckQuota(ctx, "user-dana", "dreaming_io_tokens", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, 420, usage.NewUsed)
}

func TestDream_ContextIncludesActivity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	seedActivity(t, f, "acme", "user-erin")

	m := &store.Moment{Name: "meeting-notes", MomentType: store.MomentTypeMeeting,
		Summary: "Discussed the alpha rollout."}
	m.TenantID = "acme"
	m.UserID = "user-erin"
	m.GraphEdges = []store.GraphEdge{{Target: "alpha-notes", Relation: "mentions", Weight: 1}}
	require.NoError(t, f.store.UpsertMoment(ctx, m))

	r := &store.Resource{Name: "alpha-notes", Content: "alpha resource content"}
	r.TenantID = "acme"
	require.NoError(t, f.store.UpsertResource(ctx, r))

	agent := &stubAgent{}
	svc := NewService(f.store, agent, logr.Discard(), DefaultConfig())
	result, err := svc.Dream(ctx, "acme", "user-erin")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)

	assert.Contains(t, agent.lastWindow, "meeting-notes")
	assert.Contains(t, agent.lastWindow, "fermentation experiment",
		"session messages must be rendered decrypted")
	assert.Contains(t, agent.lastWindow, "alpha resource content",
		"resources referenced by moment edges join the window")
}

func TestDream_AgentErrorIsPartialResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	seedActivity(t, f, "acme", "user-frank")

	agent := &stubAgent{err: fmt.Errorf("model melted")}
	svc := NewService(f.store, agent, logr.Discard(),
		Config{LookbackDays: 1, MomentThreshold: 10})

	result, err := svc.Dream(ctx, "acme", "user-frank")
	require.NoError(t, err, "phase 2 errors must not fail the run")
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "model melted")
	assert.Zero(t, result.IOTokens)
	assert.Len(t, result.ChunkMoments, 1, "phase 1 output survives")
	assert.Empty(t, result.DreamMoments)

	usage, err := f.store.CheckQuota(ctx, "user-frank", "dreaming_io_tokens", 1_000_000)
	require.NoError(t, err)
	assert.Zero(t, usage.NewUsed, "failed runs account no tokens")
}

func TestDream_NoActivitySkipsAgent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	agent := &stubAgent{}
	svc := NewService(f.store, agent, logr.Discard(), DefaultConfig())

	result, err := svc.Dream(context.Background(), "acme", "user-ghost")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Empty(t, result.DreamMoments)
	assert.Empty(t, agent.calls, "an empty window must not reach the model")
}

func TestDream_TenantDreamerAgents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	tenant := &store.Tenant{Name: "acme"}
	tenant.Metadata = map[string]any{"dreamer_agents": []any{"muse-1", "muse-2"}}
	require.NoError(t, f.store.UpsertTenant(ctx, tenant))
	seedActivity(t, f, tenant.ID.String(), "user-gina")

	agent := &stubAgent{tokens: 100}
	svc := NewService(f.store, agent, logr.Discard(), DefaultConfig())

	result, err := svc.Dream(ctx, tenant.ID.String(), "user-gina")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, []string{"muse-1", "muse-2"}, agent.calls)
	assert.Equal(t, 200, result.IOTokens, "both agents' tokens are summed")

	usage, err := f.store.CheckQuota(ctx, "user-gina", "dreaming_io_tokens", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, 200, usage.NewUsed, "accounting happens once for the whole run")
}

func TestDream_RequiresUser(t *testing.T) {
	svc := NewService(nil, nil, logr.Discard(), DefaultConfig())
	_, err := svc.Dream(context.Background(), "acme", "")
	assert.ErrorContains(t, err, "user id is required")
}

func TestRenderMoment(t *testing.T) {
	m := &store.Moment{Name: "m1", MomentType: "dream", Summary: "s",
		TopicTags: []string{"a", "b"}}
	m.GraphEdges = []store.GraphEdge{{Target: "t", Relation: "rel"}}
	out := renderMoment(m)
	assert.Equal(t, "- [dream] m1: s (topics: a, b) -> t[rel]\n", out)
}

func TestContextWindowEmpty(t *testing.T) {
	w := &contextWindow{}
	assert.True(t, w.empty())
	w.sessions = 1
	assert.False(t, w.empty())
}
