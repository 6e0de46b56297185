package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jamesnunn/pgtest/internal/pgserver"
	"github.com/jamesnunn/pgtest/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var pgCtl string
	cmd := &cobra.Command{
		Use:   "status <data-dir>",
		Short: "Report whether a server is running on a data directory",
		Long: `Ask pg_ctl whether a server is running on the given data directory.

Prints "running" or "stopped". A missing data directory counts as stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := pgserver.NewControl(nil, pgCtl)
			if err != nil {
				return err
			}
			running, err := ctl.IsServerRunning(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if running {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderPass("running"), ui.RenderMuted(args[0]))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderWarn("stopped"), ui.RenderMuted(args[0]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pgCtl, "pg-ctl", "", "Path to pg_ctl (default: search PATH and install dirs)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var pgCtl string
	cmd := &cobra.Command{
		Use:   "check <dir>",
		Short: "Check that a directory is an initialized data directory",
		Long: `Run pg_controldata on a directory to check that it holds an initialized
data directory, e.g. before passing it to 'pgtest start --copy-from'.

Exits non-zero when the directory is not a data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := pgserver.NewControl(nil, pgCtl)
			if err != nil {
				return err
			}
			valid, err := ctl.IsValidInstanceDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("%s is not a data directory", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderPass("valid"), ui.RenderMuted(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&pgCtl, "pg-ctl", "", "Path to pg_ctl (default: search PATH and install dirs)")
	return cmd
}

func newWhichCmd() *cobra.Command {
	var noLocate bool
	cmd := &cobra.Command{
		Use:   "which [program...]",
		Short: "Show where PostgreSQL programs are found",
		Long: `Resolve programs the way fixtures do: PATH first, then the newest versioned
install under /usr/lib/postgresql, well-known install directories and finally
the locate index. Defaults to pg_ctl and pg_controldata.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{pgserver.PgCtlName, pgserver.PgControlDataName}
			}
			loc := pgserver.NewLocator()
			loc.NoLocate = noLocate
			var missing int
			for _, name := range args {
				path, err := loc.Find(name)
				if err != nil {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderWarn(name+":"), "not found")
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderKey(name+":"), ui.RenderAccent(filepath.Clean(path)))
			}
			if missing > 0 {
				return fmt.Errorf("%w: %d of %d programs", pgserver.ErrNotFound, missing, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noLocate, "no-locate", false, "Do not fall back to the locate index")
	return cmd
}

func newPortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "port",
		Short: "Print an unused TCP port",
		Long: `Print a port the operating system reports as free, in the range fixtures use.
Another process may take it before you bind it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports := pgserver.NewPortAllocator()
			port, err := ports.BindUnusedPort()
			if err != nil {
				return err
			}
			ports.Release(port)
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
}
