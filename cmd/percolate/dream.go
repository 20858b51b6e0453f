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

	"github.com/percolationlabs/percolate/internal/dreaming"
)

func newDreamCmd() *cobra.Command {
	var (
		tenant   string
		lookback int
	)

	cmd := &cobra.Command{
		Use:   "dream <user_id>",
		Short: "Run the two-phase dreaming pipeline for one user",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if lookback <= 0 {
				lookback = a.cfg.DreamLookbackDays
			}
			svc := dreaming.NewService(a.store,
				dreaming.NewChatAgent(a.cfg.AgentEndpoint, a.cfg.OpenAIAPIKey, a.cfg.AgentModel),
				a.log, dreaming.Config{
					LookbackDays:    lookback,
					MomentThreshold: a.cfg.MomentTokenThreshold,
				})

			if tenant == "" {
				tenant = a.cfg.SystemTenantID
			}
			result, err := svc.Dream(ctx, tenant, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant scope (default P8_SYSTEM_TENANT_ID)")
	cmd.Flags().IntVar(&lookback, "lookback", 0, "days of moments to pull into context (default P8_DREAM_LOOKBACK_DAYS)")
	return cmd
}
