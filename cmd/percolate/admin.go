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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store/postgres"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operational inspection and maintenance",
	}
	cmd.AddCommand(
		newAdminHealthCmd(),
		newAdminQueueCmd(),
		newAdminQuotaCmd(),
		newAdminEnqueueCmd(),
	)
	return cmd
}

// withApp runs fn against a bootstrapped app under a signal context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newAdminHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity and migration state",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pool.Ping(ctx); err != nil {
					return fmt.Errorf("database unreachable: %w", err)
				}

				mg, err := postgres.NewMigrator(a.cfg.DatabaseURL, logr.Discard())
				if err != nil {
					return err
				}
				v, dirty, err := mg.Version()
				_ = mg.Close()
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"status":            "ok",
					"migration_version": v,
					"dirty":             dirty,
				})
			})
		},
	}
}

func newAdminQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending task counts per tier",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc := queue.NewService(a.pool, nil, a.log)
				counts, err := svc.PendingCounts(ctx)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
}

func newAdminQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota <user_id>",
		Short: "Show a user's usage counters",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.store.UsageSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
}

func newAdminEnqueueCmd() *cobra.Command {
	var (
		tier    string
		tenant  string
		user    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <task_type>",
		Short: "Enqueue one task by hand",
		Example: `  percolate admin enqueue scheduled --payload '{"action":"kv_rebuild"}'
  percolate admin enqueue dreaming --tier medium --user ada`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return usageError{fmt.Errorf("invalid --payload: %w", err)}
				}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc := queue.NewService(a.pool, nil, a.log)
				task := &queue.Task{
					TaskType: args[0],
					Tier:     tier,
					Payload:  p,
					TenantID: tenant,
					UserID:   user,
				}
				if err := svc.Enqueue(ctx, task); err != nil {
					return err
				}
				return printJSON(map[string]any{
					"task_id": task.ID.String(),
					"tier":    task.Tier,
					"status":  task.Status,
				})
			})
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "task tier (default small)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant scope")
	cmd.Flags().StringVar(&user, "user", "", "user the task runs for")
	cmd.Flags().StringVar(&payload, "payload", "", "task payload as a JSON object")
	return cmd
}
