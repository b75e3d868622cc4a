package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent imports",
		Long: `Show the most recent executions, newest first. History is kept in
PostgreSQL when DATABASE_URL is set; otherwise only the current process is
remembered and the list is empty.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Manager.History(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No executions recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tMODEL\tFILE\tSTATUS\tCREATED\tUPDATED\tFAILED\tSKIPPED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.RecordedAt.Local().Format(time.DateTime), r.Model, r.FileName, r.Status,
					r.Created, r.Updated, r.Failed, r.Skipped)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of executions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
