// Command pgtest runs disposable PostgreSQL servers for local development
// and CI, and inspects PostgreSQL installations and data directories.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesnunn/pgtest/internal/debug"
	"github.com/jamesnunn/pgtest/internal/ui"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	verbose    bool
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pgtest",
		Short: "Disposable PostgreSQL servers for tests",
		Long: `pgtest provisions throwaway PostgreSQL servers: it initializes a private data
directory, starts the server on an unused port, creates a database and removes
everything again on shutdown.

Options can also be set with PGTEST_<FLAG> environment variables
(e.g. PGTEST_BASE_DIR) or a YAML, TOML or JSON file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				debug.SetEnabled(true)
			}
			if opts.noColor {
				ui.SetColor(false)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print progress and debug output")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable styled output")

	cmd.AddCommand(
		newStartCmd(opts),
		newStatusCmd(),
		newCheckCmd(),
		newWhichCmd(),
		newPortCmd(),
		newVersionCmd(),
	)
	return cmd
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
