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

package encryption

// FieldMode selects the nonce strategy for an encrypted field.
type FieldMode string

const (
	// ModeRandomized uses a fresh nonce per encrypt.
	ModeRandomized FieldMode = "randomized"
	// ModeDeterministic derives the nonce from the plaintext so equal values
	// produce equal ciphertext, enabling exact-match lookup.
	ModeDeterministic FieldMode = "deterministic"
)

// encryptedFields declares which columns are encrypted per table. Email is
// deterministic so login by exact address still works; free-text content is
// randomized.
var encryptedFields = map[string]map[string]FieldMode{
	"users": {
		"email":   ModeDeterministic,
		"content": ModeRandomized,
	},
	"messages": {
		"content": ModeRandomized,
	},
	"ontologies": {
		"content": ModeRandomized,
	},
}

// FieldsFor returns the encrypted field map for a table, or nil when the
// table carries no encrypted columns.
func FieldsFor(table string) map[string]FieldMode {
	return encryptedFields[table]
}

// IsEncrypted reports whether a table has any encrypted columns.
func IsEncrypted(table string) bool {
	return len(encryptedFields[table]) > 0
}
