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
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := freshDB(t)

	backend, err := kms.NewLocalBackend(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	enc := encryption.NewService(kms.NewService(pool, backend, "percolate"), "system")
	return &fixture{
		pool:  pool,
		store: store.NewFromPool(pool, enc),
		svc:   NewService(pool, nil, logr.Discard()),
	}
}

// reschedule forces a pending task to be due immediately.
func reschedule(t *testing.T, f *fixture, id any) {
	t.Helper()
	_, err := f.pool.Exec(context.Background(),
		`UPDATE task_queue SET scheduled_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestClaim_OrderingContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	low := &Task{TaskType: "noop", Tier: TierSmall, ScheduledAt: now.Add(-3 * time.Minute)}
	high := &Task{TaskType: "noop", Tier: TierSmall, Priority: 5, ScheduledAt: now.Add(-time.Minute)}
	mid := &Task{TaskType: "noop", Tier: TierSmall, ScheduledAt: now.Add(-2 * time.Minute)}
	for _, task := range []*Task{low, high, mid} {
		require.NoError(t, f.svc.Enqueue(ctx, task))
	}

	claimed, err := f.svc.Claim(ctx, TierSmall, "host-1:small", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	// priority DESC first, then scheduled_at ASC.
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
	assert.Equal(t, mid.ID, claimed[2].ID)
	for _, task := range claimed {
		assert.Equal(t, StatusProcessing, task.Status)
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.ClaimedAt)
		assert.Equal(t, "host-1:small", task.ClaimedBy)
	}

	// Claimed tasks stay claimed.
	again, err := f.svc.Claim(ctx, TierSmall, "host-2:small", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaim_RespectsTierAndSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	future := &Task{TaskType: "noop", Tier: TierSmall, ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.svc.Enqueue(ctx, future))
	medium := &Task{TaskType: "noop", Tier: TierMedium}
	require.NoError(t, f.svc.Enqueue(ctx, medium))

	claimed, err := f.svc.Claim(ctx, TierSmall, "w", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "future and off-tier tasks must not be claimed")

	claimed, err = f.svc.Claim(ctx, TierMedium, "w", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, medium.ID, claimed[0].ID)
}

func TestComplete_StoresResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	task := &Task{TaskType: "noop", Tier: TierSmall, Payload: map[string]any{"k": "v"}}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	claimed, err := f.svc.Claim(ctx, TierSmall, "host-1:small", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "v", claimed[0].Payload["k"])

	require.NoError(t, f.svc.Complete(ctx, task.ID, map[string]any{"rows": float64(3)}))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(3), got.Result["rows"])
	assert.Equal(t, "host-1:small", got.ClaimedBy, "the claim survives as audit")

	events, err := f.svc.Events(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].EventType)
	assert.Equal(t, "host-1:small", events[0].Detail["worker_id"])

	// Completing twice is an error, the task is no longer processing.
	assert.Error(t, f.svc.Complete(ctx, task.ID, nil))
}

func TestFail_BackoffThenPermanent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	task := &Task{TaskType: "noop", Tier: TierSmall, MaxRetries: 2}
	require.NoError(t, f.svc.Enqueue(ctx, task))

	claim := func() *Task {
		claimed, err := f.svc.Claim(ctx, TierSmall, "host-1:small", 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		return claimed[0]
	}

	// First failure: back to pending, roughly 30s out, claim cleared.
	claim()
	retrying, err := f.svc.Fail(ctx, task.ID, fmt.Errorf("boom"))
	require.NoError(t, err)
	assert.True(t, retrying)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	assert.Nil(t, got.ClaimedAt)
	assert.Empty(t, got.ClaimedBy)
	delay := time.Until(got.ScheduledAt)
	assert.Greater(t, delay, 20*time.Second)
	assert.Less(t, delay, 40*time.Second)

	// Not due yet.
	claimed, err := f.svc.Claim(ctx, TierSmall, "host-1:small", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Second failure: backoff grows 4x.
	reschedule(t, f, task.ID)
	claim()
	retrying, err = f.svc.Fail(ctx, task.ID, fmt.Errorf("boom again"))
	require.NoError(t, err)
	assert.True(t, retrying)

	got, err = f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	delay = time.Until(got.ScheduledAt)
	assert.Greater(t, delay, 100*time.Second)
	assert.Less(t, delay, 140*time.Second)

	// Third failure exhausts max_retries=2 and fails permanently. The
	// counter clamps at the limit.
	reschedule(t, f, task.ID)
	claim()
	retrying, err = f.svc.Fail(ctx, task.ID, fmt.Errorf("final boom"))
	require.NoError(t, err)
	assert.False(t, retrying)

	got, err = f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotNil(t, got.CompletedAt)

	events, err := f.svc.Events(ctx, task.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"retrying", "retrying", "failed"}, types)
	assert.Equal(t, "host-1:small", events[2].Detail["worker_id"])
}

func TestRecoverStale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	task := &Task{TaskType: "noop", Tier: TierSmall}
	require.NoError(t, f.svc.Enqueue(ctx, task))
	_, err := f.svc.Claim(ctx, TierSmall, "host-gone:small", 1)
	require.NoError(t, err)

	// Backdate the claim past the stale threshold.
	_, err = f.pool.Exec(ctx,
		`UPDATE task_queue SET claimed_at = now() - interval '30 minutes' WHERE id = $1`, task.ID)
	require.NoError(t, err)

	n, err := f.svc.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ClaimedAt, "recovery must clear the claim")
	assert.Empty(t, got.ClaimedBy)
	assert.Zero(t, got.RetryCount, "recovery must not consume the retry budget")

	events, err := f.svc.Events(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "recovered", events[0].EventType)
	assert.Equal(t, "host-gone:small", events[0].Detail["worker_id"])

	// A fresh claim is not stale.
	n, err = f.svc.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueDreamingTasks_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	f := newFixture(t)
	ctx := context.Background()

	sess := &store.Session{Name: "alice-chat"}
	sess.TenantID = "acme"
	sess.UserID = "user-alice"
	require.NoError(t, f.store.UpsertSession(ctx, sess))

	n, err := f.svc.EnqueueDreamingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A pending dreaming task already exists for the user.
	n, err = f.svc.EnqueueDreamingTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	claimed, err := f.svc.Claim(ctx, TierMedium, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, TaskDreaming, claimed[0].TaskType)
	assert.Equal(t, "user-alice", claimed[0].UserID)
	assert.Equal(t, "user-alice", claimed[0].Payload["user_id"])

	counts, err := f.svc.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[TierMedium])
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(0))
	assert.Equal(t, 2*time.Minute, Backoff(1))
	assert.Equal(t, 8*time.Minute, Backoff(2))
	assert.Equal(t, 32*time.Minute, Backoff(3))
}

func TestValidTier(t *testing.T) {
	for _, tier := range Tiers {
		assert.True(t, ValidTier(tier))
	}
	assert.False(t, ValidTier("jumbo"))
	assert.False(t, ValidTier(""))
}

func TestEnqueue_Validation(t *testing.T) {
	svc := NewService(nil, nil, logr.Discard())
	err := svc.Enqueue(context.Background(), &Task{})
	assert.ErrorContains(t, err, "task type is required")
	err = svc.Enqueue(context.Background(), &Task{TaskType: "noop", Tier: "jumbo"})
	assert.ErrorContains(t, err, "unknown tier")
}
