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
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_JobGating(t *testing.T) {
	svc := NewService(nil, nil, logr.Discard())

	s, err := NewScheduler(svc, logr.Discard(), SchedulerConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recover-stale", "dreaming-enqueue"}, s.Jobs(),
		"news must not be enqueued without a searcher")

	s, err = NewScheduler(svc, logr.Discard(), SchedulerConfig{NewsEnabled: true})
	require.NoError(t, err)
	assert.Contains(t, s.Jobs(), "news-enqueue")
}
