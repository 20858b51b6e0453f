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
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/percolationlabs/percolate/internal/api"
	"github.com/percolationlabs/percolate/internal/embedding"
	"github.com/percolationlabs/percolate/internal/query"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store/postgres"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

func newServeCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server (with migrations, metrics, and the cron scheduler)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := migrateUp(a); err != nil {
				return err
			}

			provider, err := embedding.NewProvider(&a.cfg)
			if err != nil {
				return err
			}
			emb := embedding.NewService(a.pool, a.enc, provider,
				metrics.NewEmbeddingMetrics(), a.log, embedding.Config{
					BatchSize:    a.cfg.EmbeddingBatchSize,
					PollInterval: a.cfg.EmbeddingPollInterval,
				})
			executor := query.NewExecutor(a.store, embedding.QueryEmbedder{Provider: provider}, a.log)
			qsvc := queue.NewService(a.pool, metrics.NewQueueMetrics(), a.log)

			if !noScheduler {
				sched, err := queue.NewScheduler(qsvc, a.log, queue.SchedulerConfig{
					NewsEnabled: a.cfg.NewsSearchEndpoint != "",
				})
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}

			metricsSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsHandler()}
			go func() {
				a.log.Info("starting metrics server", "addr", a.cfg.MetricsAddr)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.Error(err, "metrics server error")
				}
			}()
			defer func() {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutCancel()
				_ = metricsSrv.Shutdown(shutCtx)
			}()

			server := api.NewServer(a.store, executor, emb, qsvc, a.cfg.SystemTenantID, a.log)
			return server.Run(ctx, a.cfg.ListenAddr)
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false,
		"disable the in-process cron scheduler (use when pg_cron owns the schedules)")
	return cmd
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func migrateUp(a *app) error {
	mg, err := postgres.NewMigrator(a.cfg.DatabaseURL, a.log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := mg.Up(); err != nil {
		_ = mg.Close()
		return err
	}
	return mg.Close()
}
