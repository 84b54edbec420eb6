package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"jobcore/internal/config"
)

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			names := make([]string, 0, len(cfg.Queues))
			for n := range cfg.Queues {
				names = append(names, n)
			}
			sort.Strings(names)
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d queues %v, %d schedules\n", len(names), names, len(cfg.Schedules))
			return nil
		},
	}
}
