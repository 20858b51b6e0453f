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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNullString(t *testing.T) {
	assert.Nil(t, NullString(""))

	s := NullString("x")
	assert.NotNil(t, s)
	assert.Equal(t, "x", *s)

	assert.Equal(t, "", DerefString(nil))
	assert.Equal(t, "x", DerefString(s))
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, NullTime(time.Time{}))

	now := time.Now()
	p := NullTime(now)
	assert.NotNil(t, p)
	assert.Equal(t, now, TimeOrZero(p))
	assert.True(t, TimeOrZero(nil).IsZero())
}

func TestMarshalJSONB(t *testing.T) {
	assert.Equal(t, []byte("{}"), MarshalJSONB(nil))
	assert.JSONEq(t, `{"a":1}`, string(MarshalJSONB(map[string]any{"a": 1})))

	assert.Nil(t, UnmarshalJSONB(nil))
	assert.Nil(t, UnmarshalJSONB([]byte("not json")))
	assert.Equal(t, map[string]any{"a": "b"}, UnmarshalJSONB([]byte(`{"a":"b"}`)))
}

func TestJSONBSlice(t *testing.T) {
	type edge struct {
		Target string  `json:"target"`
		Weight float64 `json:"weight"`
	}

	assert.Equal(t, []byte("[]"), MarshalJSONBSlice[edge](nil))

	in := []edge{{Target: "a", Weight: 0.5}}
	data := MarshalJSONBSlice(in)
	out := UnmarshalJSONBSlice[edge](data)
	assert.Equal(t, in, out)

	assert.Nil(t, UnmarshalJSONBSlice[edge](nil))
	assert.Nil(t, UnmarshalJSONBSlice[edge]([]byte("{")))
}

func TestQueryBuilder(t *testing.T) {
	qb := &QueryBuilder{}
	assert.Equal(t, "", qb.Where())

	qb.Add("tenant_id=$?", "t1")
	qb.Add("user_id=$?", "u1")

	assert.Equal(t, " AND tenant_id=$1 AND user_id=$2", qb.Where())
	assert.Equal(t, []any{"t1", "u1"}, qb.Args())

	query := qb.AppendPagination("SELECT 1 WHERE 1=1"+qb.Where(), 10, 20)
	assert.Contains(t, query, "LIMIT $3")
	assert.Contains(t, query, "OFFSET $4")
	assert.Len(t, qb.Args(), 4)
}
