package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/spawnd"
)

func main() {
	// A re-executed instance runs its named body and exits here, before any
	// flag parsing.
	if spawnd.IsChild() {
		spawnd.ChildMain(builtins(), nil)
	}

	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStopCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "spawnd",
		Short: "Keep a fixed number of task processes running",
		Long: `spawnd supervises recurring tasks: it keeps max_threads instances of each
task running, recycles instances older than max_life and recovers its children
from PID files after a restart.

Examples:
  spawnd serve spawnd.toml          # run the supervisor
  spawnd status --config spawnd.toml
  spawnd stop --config spawnd.toml --task mailer`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "spawnd.toml", "path to TOML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground until it receives SIGINT.

SIGINT forwards an interrupt to every tracked instance and exits non-zero.
SIGHUP hands over to a newer supervisor: the loop stops and the instances keep
running, to be recovered from their PID files.

Examples:
  spawnd serve                      # uses --config
  spawnd serve spawnd.toml
  spawnd serve --daemonize --pidfile /run/spawnd.pid --logfile /var/log/spawnd.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().DurationVar(&serveFlags.Interval, "interval", 0, "override the configured tick interval")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task instances",
		Long: `Show the instances recorded in the PID files of every task, with liveness
and age. With --api-url the running daemon is asked instead.

Examples:
  spawnd status
  spawnd status --task mailer --json
  spawnd status --api-url http://127.0.0.1:8089/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.ConfigPath = globalFlags.ConfigPath
			return runStatus(cmd.OutOrStdout(), *statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.Task, "task", "", "only this task")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "status API of a running daemon (e.g. http://host:8089/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	stopFlags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop every instance of a task",
		Long: `Kill every recorded instance of a task and remove its PID files. A running
supervisor starts new instances on its next tick.

Examples:
  spawnd stop --task mailer
  spawnd stop --task mailer --recursive=false
  spawnd stop --task mailer --api-url http://127.0.0.1:8089/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stopFlags.ConfigPath = globalFlags.ConfigPath
			return runStop(cmd.OutOrStdout(), *stopFlags)
		},
	}
	cmd.Flags().StringVar(&stopFlags.Task, "task", "", "task id (required)")
	cmd.Flags().BoolVar(&stopFlags.Recursive, "recursive", true, "also kill descendants of each instance")
	cmd.Flags().StringVar(&stopFlags.APIUrl, "api-url", "", "status API of a running daemon (e.g. http://host:8089/api)")
	cmd.Flags().DurationVar(&stopFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	if err := cmd.MarkFlagRequired("task"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}
