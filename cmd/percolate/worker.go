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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/percolationlabs/percolate/internal/dreaming"
	"github.com/percolationlabs/percolate/internal/embedding"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

func newWorkerCmd() *cobra.Command {
	var (
		tier          string
		runEmbeddings bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a task queue worker for one tier",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if tier == "" {
				tier = a.cfg.WorkerTier
			}
			if !queue.ValidTier(tier) {
				return usageError{fmt.Errorf("unknown tier %q", tier)}
			}

			qm := metrics.NewQueueMetrics()
			qsvc := queue.NewService(a.pool, qm, a.log)
			worker, err := queue.NewWorker(qsvc, a.store, qm, a.log, queue.WorkerConfig{
				Tier:         tier,
				BatchSize:    a.cfg.WorkerBatchSize,
				PollInterval: a.cfg.WorkerPollInterval,
			})
			if err != nil {
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

			dreamer := dreaming.NewService(a.store,
				dreaming.NewChatAgent(a.cfg.AgentEndpoint, a.cfg.OpenAIAPIKey, a.cfg.AgentModel),
				a.log, dreaming.Config{
					LookbackDays:    a.cfg.DreamLookbackDays,
					MomentThreshold: a.cfg.MomentTokenThreshold,
				})

			worker.Register(queue.TaskScheduled, queue.NewScheduledHandler(a.store, emb))
			worker.Register(queue.TaskFileProcessing,
				queue.NewFileProcessingHandler(a.store, httpFetcher{}, 0))
			worker.Register(queue.TaskDreaming, dreamer.Handler())
			if a.cfg.NewsSearchEndpoint != "" {
				worker.Register(queue.TaskNews, queue.NewNewsHandler(a.store,
					queue.NewRESTSearcher(a.cfg.NewsSearchEndpoint, a.cfg.NewsSearchAPIKey)))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return worker.Run(gctx) })
			if runEmbeddings {
				g.Go(func() error { return emb.Run(gctx) })
			}
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "",
		"task tier to claim: micro, small, medium, large (default P8_WORKER_TIER)")
	cmd.Flags().BoolVar(&runEmbeddings, "embeddings", false,
		"also drain the embedding queue in this process")
	return cmd
}

// httpFetcher resolves file URIs over plain HTTP(S).
type httpFetcher struct{}

func (httpFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", uri, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
