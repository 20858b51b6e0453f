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

// Package logctx carries common logging fields through context.Context so
// the API server, queue workers, and task handlers log with a consistent
// set of identifiers.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies one HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTenantID identifies the tenant scope of the work.
	ContextKeyTenantID contextKey = "tenant_id"

	// ContextKeyUserID identifies the user the work runs for.
	ContextKeyUserID contextKey = "user_id"

	// ContextKeySessionID identifies a chat or dreaming session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyTaskID identifies a queue task.
	ContextKeyTaskID contextKey = "task_id"

	// ContextKeyTaskType identifies the kind of queue task.
	ContextKeyTaskType contextKey = "task_type"

	// ContextKeyTier identifies the worker tier processing a task.
	ContextKeyTier contextKey = "tier"
)

// allContextKeys lists the keys extracted for logging, in output order.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyTenantID,
	ContextKeyUserID,
	ContextKeySessionID,
	ContextKeyTaskID,
	ContextKeyTaskType,
	ContextKeyTier,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithTenantID returns a new context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ContextKeyTenantID, tenantID)
}

// WithUserID returns a new context with the user ID set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithTask returns a new context carrying a task's id, type, and tier.
func WithTask(ctx context.Context, taskID, taskType, tier string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyTaskID, taskID)
	ctx = context.WithValue(ctx, ContextKeyTaskType, taskType)
	return context.WithValue(ctx, ContextKeyTier, tier)
}

// LogrValues extracts context values as key-value pairs for
// logr.Logger.WithValues. Only non-empty values are included.
func LogrValues(ctx context.Context) []any {
	var values []any
	for _, key := range allContextKeys {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, string(key), s)
			}
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyRequestID)
}

// TenantID extracts the tenant ID from the context.
func TenantID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyTenantID)
}

// UserID extracts the user ID from the context.
func UserID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyUserID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
