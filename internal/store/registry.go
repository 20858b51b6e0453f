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

import "github.com/percolationlabs/percolate/internal/encryption"

// TableInfo describes one entity table: how its KV summary is computed,
// which field feeds the embedding pipeline, and whether it carries encrypted
// columns. The registry is the single source of truth shared by the dialect
// layer and the migration that seeds the per-table Schema rows.
type TableInfo struct {
	// Name is the table name.
	Name string
	// KVSync marks tables mirrored into kv_store by trigger.
	KVSync bool
	// KVSummaryExpr is the SQL expression computing kv_store.content_summary
	// for a row of this table. Encrypted tables use an expression that reads
	// only the plain name so ciphertext never reaches the index.
	KVSummaryExpr string
	// EmbeddingField names the column drained into embeddings_<table>, empty
	// when the table is not embedded.
	EmbeddingField string
}

// Encrypted reports whether the table carries encrypted columns.
func (t TableInfo) Encrypted() bool {
	return encryption.IsEncrypted(t.Name)
}

// tables is the entity table registry, keyed by table name.
var tables = map[string]TableInfo{
	"tenants": {
		Name:          "tenants",
		KVSync:        true,
		KVSummaryExpr: "NEW.name",
	},
	"users": {
		// Encrypted: only the plain name may reach the KV index.
		Name:          "users",
		KVSync:        true,
		KVSummaryExpr: "NEW.name",
	},
	"schemas": {
		Name:           "schemas",
		KVSync:         true,
		KVSummaryExpr:  "NEW.name || ' (' || NEW.kind || '): ' || coalesce(NEW.description, '')",
		EmbeddingField: "description",
	},
	"sessions": {
		Name:          "sessions",
		KVSync:        true,
		KVSummaryExpr: "NEW.name || ' [' || NEW.mode || ']'",
	},
	"messages": {
		Name: "messages",
	},
	"moments": {
		Name:           "moments",
		KVSync:         true,
		KVSummaryExpr:  "NEW.name || ' (' || NEW.moment_type || '): ' || coalesce(NEW.summary, '')",
		EmbeddingField: "summary",
	},
	"resources": {
		Name:           "resources",
		KVSync:         true,
		KVSummaryExpr:  "NEW.name || ': ' || left(coalesce(NEW.content, ''), 200)",
		EmbeddingField: "content",
	},
	"files": {
		Name:           "files",
		KVSync:         true,
		KVSummaryExpr:  "NEW.name || ' (' || coalesce(NEW.mime_type, 'unknown') || ')'",
		EmbeddingField: "parsed_content",
	},
	"ontologies": {
		// Encrypted: summary stays at the plain name.
		Name:           "ontologies",
		KVSync:         true,
		KVSummaryExpr:  "NEW.name",
		EmbeddingField: "content",
	},
	"servers": {
		Name:          "servers",
		KVSync:        true,
		KVSummaryExpr: "NEW.name || ': ' || coalesce(NEW.description, '')",
	},
	"tools": {
		Name:          "tools",
		KVSync:        true,
		KVSummaryExpr: "NEW.name || ' @' || NEW.server_name || ': ' || coalesce(NEW.description, '')",
	},
	"feedback":       {Name: "feedback"},
	"storage_grants": {Name: "storage_grants"},
}

// Table returns the registry entry for a table name.
func Table(name string) (TableInfo, bool) {
	info, ok := tables[name]
	return info, ok
}

// EmbeddableTables returns the names of tables with an embedding field, in
// stable order.
func EmbeddableTables() []string {
	names := make([]string, 0, 4)
	for _, name := range []string{"schemas", "moments", "resources", "files", "ontologies"} {
		if tables[name].EmbeddingField != "" {
			names = append(names, name)
		}
	}
	return names
}
