package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models [model]",
		Short: "List target models, or show the fields of one model",
		Long: `List the models the Import Service can import into. With a model name,
show that model's fields and which of them are required.

Examples:
  wizard models
  wizard models account
  wizard models account --json
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				models, err := app.Client.AvailableModels(ctx)
				if err != nil {
					return userError(err)
				}
				if asJSON {
					return writeJSON(out, models)
				}
				for _, m := range models {
					fmt.Fprintln(out, m)
				}
				return nil
			}

			meta, err := app.Client.ModelMetadata(ctx, args[0])
			if err != nil {
				return userError(err)
			}
			if asJSON {
				return writeJSON(out, meta)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIELD\tTYPE\tREQUIRED\tUNIQUE\tLABEL")
			for _, f := range meta.Fields {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.Type, yesNo(f.Required), yesNo(f.Unique), f.Label)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
