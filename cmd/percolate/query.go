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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/percolationlabs/percolate/internal/embedding"
	"github.com/percolationlabs/percolate/internal/query"
)

func newQueryCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   `query "<dialect>"`,
		Short: "Run one dialect query (LOOKUP, SEARCH, FUZZY, TRAVERSE, SELECT)",
		Example: `  percolate query "LOOKUP weather-agent"
  percolate query "SEARCH 'rainfall trends' IN resources"
  percolate query "TRAVERSE dream-alpha DEPTH 2"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			provider, err := embedding.NewProvider(&a.cfg)
			if err != nil {
				return err
			}
			executor := query.NewExecutor(a.store,
				embedding.QueryEmbedder{Provider: provider}, a.log)

			if tenant == "" {
				tenant = a.cfg.SystemTenantID
			}
			result, err := executor.Run(ctx, tenant, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant scope (default P8_SYSTEM_TENANT_ID)")
	return cmd
}
