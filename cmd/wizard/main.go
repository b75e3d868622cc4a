// Command wizard runs imports against the Import Service from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importwizard/internal/application"
	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/logging"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

var (
	// BuildTag is set during build
	BuildTag = "dev"
	// BuildDate is set during build
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	envFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Import spreadsheets through the Import Service",
		Long: `wizard - import CSV, XLSX and JSON files through the Import Service

It walks the same steps as the web wizard: select a model, upload a file,
map columns, preview the validation result and execute the import.

Environment Variables:
  IMPORT_SERVICE_URL      Base URL of the Import Service (required)
  IMPORT_SERVICE_API_KEY  Key sent to the Import Service
  DATABASE_URL            Record executions in PostgreSQL
  REDIS_URL               Cache model metadata in Redis
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), level, "text"))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Read environment variables from this file if it exists")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to stderr")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "wizard version %s (built %s)\n", BuildTag, BuildDate)
			},
		},
		newModelsCmd(opts),
		newPlanCmd(),
		newRunCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// loadApp reads the env file and configuration and wires the collaborators.
func (o *rootOptions) loadApp(ctx context.Context) (*application.App, error) {
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", o.envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return application.New(ctx, cfg)
}

// userError replaces errors the catalogue knows with their friendly text.
func userError(err error) error {
	if err == nil || !wizard.IsUserFacing(err) {
		return err
	}
	slog.Debug("operation failed", "error", err)
	return errors.New(wizard.FormatUserError(err))
}
