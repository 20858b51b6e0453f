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

package pgutil

import (
	"encoding/json"
	"time"
)

// NullString returns nil when s is empty, otherwise a pointer to s.
// Useful for mapping Go strings to nullable TEXT/VARCHAR columns.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DerefString returns the empty string when s is nil, otherwise *s.
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NullInt returns nil when v is zero, otherwise a pointer to v.
func NullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// NullInt64 returns nil when v is zero, otherwise a pointer to v.
func NullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// NullFloat64 returns nil when v is zero, otherwise a pointer to v.
func NullFloat64(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// NullTime returns nil when t is the zero value, otherwise a pointer to t.
func NullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// TimeOrZero returns the zero time when t is nil, otherwise *t.
func TimeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// MarshalJSONB marshals v to JSON bytes for a jsonb column. Returns "{}" when
// v is a nil map and "[]" is left to the caller for nil slices.
func MarshalJSONB(v map[string]any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(v)
	return b
}

// UnmarshalJSONB unmarshals jsonb bytes into a map[string]any.
// Returns nil when data is empty or is not a JSON object.
func UnmarshalJSONB(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil || len(m) == 0 {
		return nil
	}
	return m
}

// MarshalJSONBSlice marshals a slice value for a jsonb column. Returns "[]"
// when the marshal fails or v is nil.
func MarshalJSONBSlice[T any](v []T) []byte {
	if v == nil {
		return []byte("[]")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}

// UnmarshalJSONBSlice unmarshals jsonb bytes into a slice of T. Returns nil
// when data is empty or invalid.
func UnmarshalJSONBSlice[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var out []T
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return out
}
