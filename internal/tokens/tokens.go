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

// Package tokens provides a cheap token estimator used for context budgeting.
// The four-characters-per-token heuristic is intentionally model-agnostic:
// budgets derived from it are enforced again by the model runtime, so a rough
// overestimate is acceptable here.
package tokens

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

// Budget tracks a shrinking token allowance while assembling a context window.
type Budget struct {
	remaining int
}

// NewBudget creates a budget with the given token allowance.
func NewBudget(total int) *Budget {
	return &Budget{remaining: total}
}

// Remaining reports the unused allowance.
func (b *Budget) Remaining() int {
	return b.remaining
}

// TryConsume deducts the estimated cost of text and reports whether it fit.
// When text does not fit the budget is left unchanged.
func (b *Budget) TryConsume(text string) bool {
	cost := Estimate(text)
	if cost > b.remaining {
		return false
	}
	b.remaining -= cost
	return true
}
