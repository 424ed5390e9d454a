package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/portswitch/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	clientFlags := &ClientFlags{}
	serveFlags := &ServeFlags{}
	cmd := &command{out: os.Stdout, flags: clientFlags}

	root := &cobra.Command{
		Use:   "portswitch",
		Short: "Switch which local dev app holds a fixed port",
		Long: `Portswitch runs one local application at a time on a fixed port.
Starting another app stops the current one, frees the port and waits until
the new app reports it is ready.

Examples:
  portswitch serve portswitch.toml           # start the daemon
  portswitch start --app=app-admin-panel     # switch the port to an app
  portswitch logs --follow                   # stream daemon events
  portswitch status --api-url=http://host:3001/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&clientFlags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().DurationVar(&clientFlags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	root.PersistentFlags().BoolVar(&clientFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&clientFlags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")

	root.AddCommand(
		createServeCommand(serveFlags),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStatusCommand(cmd),
		createLogsCommand(cmd),
		createKillPortCommand(cmd),
		createForceKillCommand(cmd),
		createDenyCommand(cmd),
		createAppsCommand(cmd),
	)
	return root
}

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the portswitch daemon",
		Long: `Start the daemon that owns the managed port and serves the control API.
Without a config file the defaults apply: port 4000, API on :3001/api.

Examples:
  portswitch serve
  portswitch serve portswitch.toml
  portswitch serve portswitch.toml --daemonize --logfile=/tmp/portswitch.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *flags, args, nil)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background (pidfile from [server].pidfile)")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "write daemon logs to a rotating file")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Switch the port to an app",
		Long: `Stop whatever holds the port and start the given app, waiting for readiness.
Unknown app ids run "node server.js" in <base_dir>/<app>.

Examples:
  portswitch start --app=app-ecommerce
  portswitch start --app=demo --command="npm run dev" --folder=./demo
  portswitch start --app=app-admin-panel --yes   # force kill if something refuses to stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.AppID, "app", "", "app id (required)")
	cmd.Flags().StringVar(&flags.Command, "command", "", "start command override")
	cmd.Flags().StringVar(&flags.Folder, "folder", "", "working folder override")
	cmd.Flags().BoolVarP(&flags.Yes, "yes", "y", false, "confirm force kills automatically")
	if err := cmd.MarkFlagRequired("app"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running app and free the port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which app holds the port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print daemon events",
		Long: `Print the buffered event history; with --follow keep streaming new events.

Examples:
  portswitch logs
  portswitch logs --follow
  portswitch logs --raw | jq .`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "stream new events")
	cmd.Flags().BoolVar(&flags.Raw, "raw", false, "print events as JSON lines")
	return cmd
}

func createKillPortCommand(c *command) *cobra.Command {
	flags := &KillPortFlags{}
	cmd := &cobra.Command{
		Use:   "kill-port",
		Short: "Free the port from whatever process holds it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.KillPort(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "kill holders immediately instead of asking them to exit")
	return cmd
}

func createForceKillCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "force-kill",
		Short: "Confirm a pending force kill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ForceKill(cmd.Context())
		},
	}
}

func createDenyCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "deny",
		Short: "Cancel a pending force kill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deny(cmd.Context())
		},
	}
}

func createAppsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List configured apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Apps(cmd.Context())
		},
	}
}
