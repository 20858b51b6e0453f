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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/store/postgres"
	"github.com/percolationlabs/percolate/pkg/logging"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the database schema",
		Args:      rangeArgs(0, 1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%sDATABASE_URL is required", config.EnvPrefix)
			}

			log, flush, err := logging.NewLogger()
			if err != nil {
				return err
			}
			defer flush()

			mg, err := postgres.NewMigrator(cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer func() { _ = mg.Close() }()

			switch action {
			case "up":
				return mg.Up()
			case "down":
				return mg.Down()
			case "version":
				v, dirty, err := mg.Version()
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"version": v, "dirty": dirty})
			default:
				return usageError{fmt.Errorf("unknown action %q", action)}
			}
		},
	}
	return cmd
}
