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

package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sarah-chen", "sarah-chen"},
		{"Sarah Chen", "sarah-chen"},
		{"  Sarah   Chen  ", "sarah-chen"},
		{"sarah_chen", "sarah-chen"},
		{"Sarah__Chen", "sarah-chen"},
		{"Sarah (Chen)!", "sarah-chen"},
		{"chain-test-agent", "chain-test-agent"},
		{"Schema v2.1", "schema-v21"},
		{"", ""},
		{"---", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeKey(tt.in)
			assert.Equal(t, tt.want, got)
			// Idempotence.
			assert.Equal(t, got, NormalizeKey(got))
		})
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("schemas", "chain-test-agent")
	b := Derive("schemas", "Chain Test Agent")
	assert.Equal(t, a, b)

	// Different table, different id.
	c := Derive("moments", "chain-test-agent")
	assert.NotEqual(t, a, c)

	// Random ids never collide with each other in practice.
	assert.NotEqual(t, New(), New())
}
