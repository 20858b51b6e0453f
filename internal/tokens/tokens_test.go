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

package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("ab"))
	assert.Equal(t, 25, Estimate(strings.Repeat("a", 100)))
}

func TestBudget(t *testing.T) {
	b := NewBudget(10)

	assert.True(t, b.TryConsume(strings.Repeat("x", 24))) // 6 tokens
	assert.Equal(t, 4, b.Remaining())

	// Does not fit; budget unchanged.
	assert.False(t, b.TryConsume(strings.Repeat("x", 40)))
	assert.Equal(t, 4, b.Remaining())

	assert.True(t, b.TryConsume(strings.Repeat("x", 16)))
	assert.Equal(t, 0, b.Remaining())
}
