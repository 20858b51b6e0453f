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

package store

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/percolationlabs/percolate/internal/encryption"
	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/kms"
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

// freshDB creates an isolated database, runs migrations, and returns a pgxpool.Pool.
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

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
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

// newStore wires a Store over a fresh database with a local KMS backend, the
// way a dev deployment runs.
func newStore(t *testing.T) *Store {
	t.Helper()
	pool := freshDB(t)

	backend, err := kms.NewLocalBackend(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	keys := kms.NewService(pool, backend, "percolate")
	enc := encryption.NewService(keys, "system")
	return NewFromPool(pool, enc)
}

// --- Entity CRUD ------------------------------------------------------------

func TestUpsertTenant_DeterministicIDAndPreservedMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	first := &Tenant{Name: "Acme Corp"}
	first.Metadata = map[string]any{"plan": "pro"}
	require.NoError(t, s.UpsertTenant(ctx, first))
	assert.Equal(t, ids.Derive("tenants", "Acme Corp"), first.ID)
	assert.Equal(t, "platform", first.EncryptionMode)

	// Re-upsert without metadata: the stored value must survive.
	second := &Tenant{Name: "Acme Corp"}
	require.NoError(t, s.UpsertTenant(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetTenant(ctx, first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "pro"}, got.Metadata)
}

func TestUpsertUser_EncryptedAtRest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	u := &User{Name: "Ada", Email: "ada@example.com", Content: "likes espresso"}
	u.TenantID = "acme"
	require.NoError(t, s.UpsertUser(ctx, u))

	// The column holds ciphertext, not the address.
	var stored string
	err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id=$1`, u.ID).Scan(&stored)
	require.NoError(t, err)
	assert.NotEqual(t, "ada@example.com", stored)
	assert.NotEmpty(t, stored)

	got, err := s.GetUser(ctx, u.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, "likes espresso", got.Content)
}

func TestGetUserByEmail_DeterministicProbe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	u := &User{Name: "Ada", Email: "ada@example.com"}
	u.TenantID = "acme"
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUserByEmail(ctx, "acme", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByEmail(ctx, "acme", "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// Another tenant's probe encrypts under a different key, so the same
	// address does not match across tenants.
	_, err = s.GetUserByEmail(ctx, "other", "ada@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertResource_OrdinalsGetDistinctIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	a := &Resource{Name: "handbook", Ordinal: 0, Content: "chapter one"}
	b := &Resource{Name: "handbook", Ordinal: 1, Content: "chapter two"}
	require.NoError(t, s.UpsertResource(ctx, a))
	require.NoError(t, s.UpsertResource(ctx, b))
	assert.NotEqual(t, a.ID, b.ID)

	// Same (name, ordinal) converges on the same row.
	again := &Resource{Name: "handbook", Ordinal: 1, Content: "chapter two, revised"}
	require.NoError(t, s.UpsertResource(ctx, again))
	assert.Equal(t, b.ID, again.ID)
}

func TestSoftDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	sc := &Schema{Name: "weather-agent", Kind: SchemaKindAgent, Description: "forecasts"}
	require.NoError(t, s.UpsertSchema(ctx, sc))

	require.NoError(t, s.SoftDelete(ctx, "schemas", sc.ID.String()))
	_, err := s.GetSchema(ctx, sc.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a not-found, not a silent success.
	assert.ErrorIs(t, s.SoftDelete(ctx, "schemas", sc.ID.String()), ErrNotFound)
	assert.ErrorIs(t, s.SoftDelete(ctx, "bogus", sc.ID.String()), ErrUnknownTable)
}

func TestOntology_EncryptedRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	o := &Ontology{Name: "personal-graph", Content: "alice -> bob: colleague"}
	o.TenantID = "acme"
	require.NoError(t, s.UpsertOntology(ctx, o))

	var stored string
	err := s.pool.QueryRow(ctx, `SELECT content FROM ontologies WHERE id=$1`, o.ID).Scan(&stored)
	require.NoError(t, err)
	assert.NotEqual(t, o.Content, stored)

	got, err := s.GetOntology(ctx, o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "alice -> bob: colleague", got.Content)
}

func TestMessages_InsertAndRecent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	sess := &Session{Name: "morning-chat", Mode: SessionModeChat}
	sess.TenantID = "acme"
	sess.UserID = "ada"
	require.NoError(t, s.UpsertSession(ctx, sess))

	for i := 0; i < 5; i++ {
		m := &Message{
			SessionID:   sess.ID,
			MessageType: MessageTypeUser,
			Content:     fmt.Sprintf("message %d", i),
		}
		m.TenantID = "acme"
		m.UserID = "ada"
		require.NoError(t, s.InsertMessage(ctx, m))
		assert.GreaterOrEqual(t, m.TokenCount, 1)
	}

	recent, err := s.RecentMessages(ctx, sess.ID.String(), 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "message 2", recent[0].Content)
	assert.Equal(t, "message 4", recent[2].Content)
}

func TestMergeGraphEdges_ReadMergeWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	m := &Moment{Name: "first-dream", MomentType: MomentTypeDream, Summary: "a summary"}
	m.UserID = "ada"
	m.GraphEdges = []GraphEdge{{Target: "alpha", Relation: "mentions", Weight: 0.3}}
	require.NoError(t, s.UpsertMoment(ctx, m))

	require.NoError(t, s.MergeGraphEdges(ctx, "moments", m.ID.String(), []GraphEdge{
		{Target: "alpha", Relation: "mentions", Weight: 0.7},
		{Target: "beta", Relation: "dreamed_from", Weight: 1.0},
	}))

	got, err := s.GetMoment(ctx, m.ID.String())
	require.NoError(t, err)
	require.Len(t, got.GraphEdges, 2)
	assert.Equal(t, 0.7, got.GraphEdges[0].Weight)
	assert.Equal(t, "dreamed_from", got.GraphEdges[1].Relation)
}

func TestEmbeddingQueue_TriggerEnqueues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	r := &Resource{Name: "note", Content: "remember the milk"}
	require.NoError(t, s.UpsertResource(ctx, r))

	var status string
	var attempts int
	err := s.pool.QueryRow(ctx, `
		SELECT status, attempts FROM embedding_queue
		WHERE table_name='resources' AND entity_id=$1 AND field_name='content'`, r.ID,
	).Scan(&status, &attempts)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	assert.Equal(t, 0, attempts)

	// An unrelated update must not reset a processed item.
	_, err = s.pool.Exec(ctx, `DELETE FROM embedding_queue WHERE entity_id=$1`, r.ID)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `UPDATE resources SET category='todo' WHERE id=$1`, r.ID)
	require.NoError(t, err)

	var n int
	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM embedding_queue WHERE entity_id=$1`, r.ID).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Changing the embedded field re-enqueues.
	r.Content = "remember the milk and eggs"
	require.NoError(t, s.UpsertResource(ctx, r))
	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM embedding_queue WHERE entity_id=$1`, r.ID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchemaTimemachine_CapturesVersions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := newStore(t)
	ctx := context.Background()

	sc := &Schema{Name: "news-agent", Kind: SchemaKindAgent, Description: "v1"}
	require.NoError(t, s.UpsertSchema(ctx, sc))

	sc.Description = "v2"
	require.NoError(t, s.UpsertSchema(ctx, sc))

	rows, err := s.pool.Query(ctx, `
		SELECT version, snapshot->>'description' FROM schema_timemachine
		WHERE schema_id=$1 ORDER BY version`, sc.ID)
	require.NoError(t, err)
	defer rows.Close()

	var versions []int
	var descriptions []string
	for rows.Next() {
		var v int
		var d string
		require.NoError(t, rows.Scan(&v, &d))
		versions = append(versions, v)
		descriptions = append(descriptions, d)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{1, 2}, versions)
	assert.Equal(t, []string{"v1", "v2"}, descriptions)
}
