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

// Package ids implements deterministic identifier derivation and entity key
// normalization. Canonical entities derive their UUID from (table, name) so
// re-upserting the same natural name always targets the same row. Transient
// rows (messages, tasks, feedback) use random UUIDs.
package ids

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// namespace is the fixed UUIDv5 namespace for all derived identifiers.
// Changing it would re-key every canonical entity.
var namespace = uuid.MustParse("97b3a178-7d24-4b85-a2a4-6c92d0c9597a")

// Derive returns the deterministic UUID for a canonical entity identified by
// its table and natural name. The name is normalized first so "Sarah Chen"
// and "sarah-chen" resolve to the same row.
func Derive(table, name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(table+":"+NormalizeKey(name)))
}

// New returns a random UUID for transient rows.
func New() uuid.UUID {
	return uuid.New()
}

// NormalizeKey converts a natural name to its kebab-cased entity key:
// lowercase, runs of whitespace and underscores collapse to a single hyphen,
// and every character outside [a-z0-9-] is dropped. The transform is
// idempotent.
func NormalizeKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsSpace(r) || r == '_' || r == '-':
			pendingHyphen = b.Len() > 0
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen {
				b.WriteByte('-')
				pendingHyphen = false
			}
			b.WriteRune(r)
		default:
			// Everything else is stripped.
		}
	}
	return b.String()
}
