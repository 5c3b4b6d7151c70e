package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/dbrun/internal/config"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/operations"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [configFile]",
		Short: "List the update scripts that can be run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			configFile := ""
			if len(args) > 0 {
				configFile = args[0]
			}

			var cfg config.Config
			if err := cfg.Load(config.Resolve(workDir, configFile)); err != nil {
				return err
			}
			if cfg.Paths.Cwd != "" {
				workDir = cfg.Paths.Cwd
			}

			names, err := operations.DefaultLoader(cfg.Paths.Updates, workDir, logger.Global()).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintf(out, "no update scripts in %s\n", cfg.Paths.Updates)
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}
