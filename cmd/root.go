package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/dbrun/internal/config"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/operations"
)

// flags holds the values of the persistent command-line flags.
type flags struct {
	force    bool
	noBackup bool
	logLevel string
	logJSON  bool
}

// apply lets command-line flags override the configuration file.
func (f *flags) apply(cfg *config.Config) {
	if f.force {
		cfg.Force = true
	}
	if f.noBackup {
		cfg.Backup.Enabled = false
	}
}

// NewRootCommand builds the dbrun command tree.
func NewRootCommand() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "dbrun <scriptName> [configFile]",
		Short: "Run a one-off migration script against a document dataset",
		Long: `dbrun backs up a dataset, runs an update script against it and commits
the mutations the script returns in a single transaction.

The configuration file defaults to ` + config.DefaultFileName + ` in the current directory.`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := logger.Init(logger.Options{Level: f.logLevel, JSON: f.logJSON})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: script name is required\n\nUsage: %s", operations.ErrUsage, cmd.UseLine())
			}
			configFile := ""
			if len(args) > 1 {
				configFile = args[1]
			}
			return runScript(cmd.Context(), f, args[0], configFile)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&f.logJSON, "log-json", false, "write logs as JSON")
	rootCmd.Flags().BoolVarP(&f.force, "force", "y", false, "skip the confirmation prompt")
	rootCmd.Flags().BoolVar(&f.noBackup, "no-backup", false, "do not back up the dataset before running")

	rootCmd.AddCommand(newListCommand())
	return rootCmd
}

func runScript(ctx context.Context, f *flags, scriptName, configFile string) error {
	log := logger.Global()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	var cfg config.Config
	if err := cfg.Load(config.Resolve(workDir, configFile)); err != nil {
		return err
	}
	f.apply(&cfg)

	runner, err := operations.FromConfig(ctx, cfg, workDir, operations.WithLogger(log))
	if err != nil {
		return err
	}

	outcome, err := runner.Run(ctx, scriptName)
	if err != nil {
		return err
	}
	log.Debug("run finished", "script", scriptName, "outcome", outcome.String())
	return nil
}

// flushLogs syncs buffered log entries before the process exits.
var flushLogs = logger.Cleanup

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command tree with args and returns the exit status.
// Logs are flushed on every path.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	flushLogs()
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}
