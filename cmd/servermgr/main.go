package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	statusFlags := &StatusFlags{}
	historyFlags := &HistoryFlags{}

	root := &cobra.Command{
		Use:   "servermgr",
		Short: "Database server lifecycle manager",
		Long: `Servermgr starts, supervises, and stops an external database server
process. It initializes the data directory on first run, waits for the
server to accept connections, and shuts it down gracefully on exit.

Examples:
  servermgr run --config=server.toml
  servermgr run --config=server.toml --listen=:8080
  servermgr init --config=server.toml
  servermgr status --config=server.toml`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file")

	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createInitCommand(globalFlags),
		createStatusCommand(globalFlags, statusFlags),
		createHistoryCommand(globalFlags, historyFlags),
	)
	return root
}

func createRunCommand(g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the server and supervise it until interrupted",
		Long: `Run starts the configured server, then blocks until SIGINT or SIGTERM
and stops the server gracefully before exiting. With --listen, a status
and metrics HTTP endpoint is served while the server runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(g.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "address for the status/metrics HTTP endpoint (optional)")
	return cmd
}

func createInitCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initDataDir(cmd.Context(), g.ConfigPath, cmd.OutOrStdout())
		},
	}
}

func createHistoryCommand(g *GlobalFlags, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events for the server",
		Long: `History lists the most recent recorded lifecycle events (start, stop,
fail) for the configured server, newest first. Requires a sqlite history
sink in the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(cmd.Context(), g.ConfigPath, *f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of events to show")
	return cmd
}

func createStatusCommand(g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the server's status",
		Long: `Status reports on the configured server. With --api-url it queries a
running servermgr daemon; otherwise it inspects the data directory and
process out of band.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportStatus(cmd.Context(), g.ConfigPath, *f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "base URL of a running servermgr HTTP endpoint")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", defaultAPITimeout, "timeout for --api-url requests")
	return cmd
}
