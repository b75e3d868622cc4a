package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importwizard/internal/application"
	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

type runOptions struct {
	model                string
	file                 string
	mappingsFile         string
	policy               string
	suggest              bool
	threshold            float64
	batchSize            int
	skipValidationErrors bool
	skipErrors           bool
	full                 bool
	yes                  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload, preview and execute an import",
		Long: `Upload a file, map its columns, preview the validation result and execute
the import. Mappings come from server suggestions (--suggest), a YAML file
(--mappings) or both; the file wins where they overlap.

The import is refused while the preview reports rows with errors unless
--skip-errors is given, in which case failing rows are skipped.

Examples:
  wizard run --model account --file accounts.csv --suggest
  wizard run --file accounts.xlsx --mappings accounts.yaml --full --yes
  wizard run --model account --file accounts.csv --suggest --skip-errors
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return opts.run(cmd, app)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.model, "model", "m", "", "Target model (overrides the mapping file)")
	f.StringVarP(&opts.file, "file", "f", "", "File to import (csv, xlsx or json)")
	f.StringVar(&opts.mappingsFile, "mappings", "", "YAML file with column mappings and settings")
	f.StringVar(&opts.policy, "policy", string(importsvc.PolicyCreateOnly), "Import policy: create_only, update_only or upsert")
	f.BoolVar(&opts.suggest, "suggest", false, "Apply the service's mapping suggestions")
	f.Float64Var(&opts.threshold, "threshold", 0, "Confidence a suggestion must exceed (default: configured threshold)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Rows per batch (default: configured default)")
	f.BoolVar(&opts.skipValidationErrors, "skip-validation-errors", false, "Let the preview continue past invalid rows")
	f.BoolVar(&opts.skipErrors, "skip-errors", false, "Skip failing rows instead of aborting the import")
	f.BoolVar(&opts.full, "full", false, "Validate every row instead of a sample")
	f.BoolVarP(&opts.yes, "yes", "y", false, "Do not ask for confirmation")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, app *application.App) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var mf *mappingFile
	if o.mappingsFile != "" {
		var err error
		if mf, err = readMappingFile(o.mappingsFile); err != nil {
			return err
		}
	}

	model := o.model
	if model == "" && mf != nil {
		model = mf.Model
	}
	if model == "" {
		return errors.New("no model given: pass --model or set model in the mapping file")
	}

	data, err := os.ReadFile(o.file)
	if err != nil {
		return err
	}

	opts := app.Options()
	opts.ID = uuid.NewString()
	opts.OnExecuted = func(s wizard.State) {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := app.Store.RecordExecution(recordCtx, wizard.NewExecutionRecord(opts.ID, s)); err != nil {
			slog.Warn("failed to record execution", "error", err)
		}
	}
	w := wizard.New(app.Client, opts)
	defer func() {
		if err := w.DeleteSession(context.WithoutCancel(ctx)); err != nil {
			slog.Debug("failed to delete import session", "error", err)
		}
	}()

	if err := w.LoadServiceDefaults(ctx); err != nil {
		return userError(err)
	}

	// Upload
	if err := w.SelectModel(ctx, model); err != nil {
		return userError(err)
	}
	if err := w.UploadFile(ctx, importsvc.Upload{Name: filepath.Base(o.file), Data: data}); err != nil {
		return userError(err)
	}
	sess := w.Snapshot().Session
	fmt.Fprintf(out, "Uploaded %s: %d rows, %d columns\n", sess.FileName, sess.RowCount, len(sess.Columns))

	// Mapping
	if o.suggest {
		n, err := w.ApplyMappingSuggestions(ctx, o.threshold)
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(out, "Applied %d mapping suggestions\n", n)
	}
	if mf != nil {
		if err := w.UpdateColumnMappings(mf.merge(w.Snapshot().ColumnMappings)); err != nil {
			return userError(err)
		}
		if err := w.UpdateImportSettings(mf.patch()); err != nil {
			return userError(err)
		}
	}
	if err := w.UpdateImportSettings(o.patch(cmd)); err != nil {
		return userError(err)
	}
	printMappings(out, w.Snapshot().ColumnMappings)
	if missing := w.UnmappedRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("required fields are not mapped: %s", strings.Join(missing, ", "))
	}

	// Preview
	if o.full {
		err = w.ValidateFullFile(ctx)
	} else {
		err = w.GeneratePreview(ctx)
	}
	if err != nil {
		return userError(err)
	}
	st := w.Snapshot()
	printPreview(out, st.Preview())

	if advice, err := w.BatchAdvice(ctx); err == nil {
		printList(out, "Batch warnings", advice.Warnings)
		fmt.Fprintf(out, "Plan: %d batches of %d rows, about %.1f min\n",
			advice.Estimate.EstimatedBatches, advice.Estimate.BatchSize, advice.Estimate.EstimatedMinutes)
	}

	if !wizard.IsStepValid(st, wizard.StepExecute) && !o.skipErrors {
		return fmt.Errorf("%d rows have errors: fix the file or pass --skip-errors", st.Preview().Summary.RowsWithErrors)
	}

	// Execute
	if !o.yes {
		ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Import %d rows into %s?", sess.RowCount, model))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted")
			return nil
		}
	}

	if o.skipErrors {
		err = w.ExecuteImportWithSkipErrors(ctx)
	} else {
		err = w.ExecuteImport(ctx)
	}
	if err != nil {
		return userError(err)
	}

	res := w.Snapshot().Result()
	printResult(out, res)
	if !res.Succeeded() {
		return errors.New("import failed")
	}
	return nil
}

// patch turns the flags the user set into a settings update.
func (o *runOptions) patch(cmd *cobra.Command) wizard.SettingsPatch {
	var p wizard.SettingsPatch
	flags := cmd.Flags()
	if flags.Changed("policy") {
		policy := importsvc.ImportPolicy(o.policy)
		p.ImportPolicy = &policy
	}
	if flags.Changed("skip-validation-errors") {
		p.SkipValidationErrors = &o.skipValidationErrors
	}
	if o.batchSize != 0 {
		p.BatchSize = &o.batchSize
	}
	return p
}

func printMappings(w io.Writer, mappings []importsvc.ColumnMapping) {
	fmt.Fprintln(w, "Mappings:")
	for _, m := range mappings {
		field := m.FieldName
		if field == "" {
			field = "(ignored)"
		}
		fmt.Fprintf(w, "  %s -> %s\n", m.ColumnName, field)
	}
}

func printPreview(w io.Writer, p *importsvc.PreviewResult) {
	if p == nil {
		return
	}
	s := p.Summary
	fmt.Fprintf(w, "Validated %d rows: %d valid, %d with warnings, %d with errors\n",
		s.TotalRows, s.ValidRows, s.RowsWithWarnings, s.RowsWithErrors)
	for _, e := range s.MostCommonErrors {
		fmt.Fprintf(w, "  %5d  %s\n", e.Count, e.Message)
	}
}

func printResult(w io.Writer, r *importsvc.ExecutionResult) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Import %s: %d created, %d updated, %d failed, %d skipped of %d rows\n",
		r.Status, r.Created, r.Updated, r.Failed, r.Skipped, r.TotalRows)
	for _, e := range r.ErrorBreakdown {
		fmt.Fprintf(w, "  %5d  %s\n", e.Count, e.Message)
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(w, "Took %s\n", d.Round(time.Second))
	}
}

// confirm asks a yes/no question; anything but y or yes is no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
