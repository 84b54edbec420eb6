package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobcore/internal/config"
	"jobcore/internal/storage"
	logx "jobcore/pkg/logx"
)

func newArchiveCmd(cfgPath *string) *cobra.Command {
	var (
		queueName string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List the most recent finished jobs from the archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			if cfg.Archive == nil {
				return errors.New("archive is not configured")
			}
			busy, err := config.ParseDurationOrDefault("archive.busy_timeout", cfg.Archive.BusyTimeout, time.Second)
			if err != nil {
				return err
			}
			st, err := storage.Open(storage.Config{
				Driver:      cfg.Archive.Driver,
				Path:        cfg.Archive.Path,
				DSN:         cfg.Archive.DSN,
				BusyTimeout: busy,
			}, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("archive is disabled")
			}
			defer st.Close()

			recs, err := st.Recent(cmd.Context(), queueName, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tQUEUE\tID\tNAME\tSTATUS\tATTEMPTS\tREASON")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.FinishedAt.Local().Format(time.DateTime), r.Queue, r.JobID, r.Name, r.Status, r.Attempts,
					truncate(r.FailedReason, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "only show this queue")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max records (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
