package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importwizard/internal/application"
	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

type planOptions struct {
	rows          int
	batchSize     int
	min           int
	max           int
	rowsPerSecond float64
	asJSON        bool
}

func newPlanCmd() *cobra.Command {
	opts := &planOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Estimate batches and duration for a file size",
		Long: `Estimate how many batches an import needs and how long it will take,
and check a batch size against the service limits. Nothing is sent to the
Import Service.

Examples:
  wizard plan --rows 12000
  wizard plan --rows 12000 --batch-size 2000 --max 5000
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			advice, err := opts.advise()
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), advice)
			}
			printAdvice(cmd.OutOrStdout(), advice)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.rows, "rows", 0, "Number of data rows in the file")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Batch size to check (default: the recommendation)")
	f.IntVar(&opts.min, "min", wizard.DefaultMinBatchSize, "Smallest batch size the service accepts")
	f.IntVar(&opts.max, "max", wizard.DefaultMaxBatchSize, "Largest batch size the service accepts")
	f.Float64Var(&opts.rowsPerSecond, "rows-per-second", wizard.DefaultRowsPerSecond, "Assumed service throughput")
	f.BoolVar(&opts.asJSON, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("rows")

	return cmd
}

func (o *planOptions) advise() (wizard.Advice, error) {
	if o.rows < 0 {
		return wizard.Advice{}, fmt.Errorf("--rows must not be negative, got %d", o.rows)
	}
	if o.batchSize < 0 {
		return wizard.Advice{}, fmt.Errorf("--batch-size must not be negative, got %d", o.batchSize)
	}

	planner, err := application.Planner(config.WizardConfig{RowsPerSecond: o.rowsPerSecond})
	if err != nil {
		return wizard.Advice{}, err
	}
	batch := o.batchSize
	if batch == 0 {
		batch = planner.RecommendBatchSize(o.rows)
	}
	bounds := application.Bounds(config.WizardConfig{
		DefaultBatchSize: batch,
		MinBatchSize:     o.min,
		MaxBatchSize:     o.max,
	})

	return wizard.Advice{
		Bounds:          bounds,
		BatchValidation: planner.ValidateBatchConfig(batch, o.rows, bounds),
	}, nil
}

func printAdvice(w io.Writer, a wizard.Advice) {
	est := a.Estimate
	fmt.Fprintf(w, "Rows:            %d\n", est.TotalRows)
	fmt.Fprintf(w, "Batch size:      %d (recommended %d, allowed %d-%d)\n",
		est.BatchSize, est.RecommendedBatchSize, a.Bounds.Min, a.Bounds.Max)
	fmt.Fprintf(w, "Batches:         %d\n", est.EstimatedBatches)
	fmt.Fprintf(w, "Estimated time:  %.1f min\n", est.EstimatedMinutes)
	fmt.Fprintf(w, "Valid:           %s\n", yesNo(a.IsValid))
	printList(w, "Warnings", a.Warnings)
	printList(w, "Recommendations", a.Recommendations)
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}
