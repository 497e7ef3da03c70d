package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				_, _ = fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree writing command output to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(out)

	cmd := command{out: out, configPath: &globalFlags.ConfigPath}
	root.AddCommand(
		createServeCommand(globalFlags),
		createLaunchCommand(globalFlags),
		createGitCommand(cmd),
		createPowerCommand(cmd),
		createTokenCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "opsgate",
		Short: "Guarded restarts, shutdowns and git updates for a long-running bot",
		Long: `Opsgate watches the working copy of a deployed service for upstream
changes, asks operators to confirm updates, and gates restart and
shutdown requests behind short confirmation windows with cooldowns.

Examples:
  opsgate serve --config opsgate.toml     # run the daemon
  opsgate launch --config opsgate.toml    # run and restart the daemon on request
  opsgate git status
  opsgate power restart --actor-id 42
  opsgate token issue --actor-id 42 --actor-label alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addRemoteFlags(cmd *cobra.Command, rf *RemoteFlags) {
	cmd.PersistentFlags().StringVar(&rf.APIUrl, "api-url", "", "daemon API URL (default from config, e.g. http://127.0.0.1:8765/api)")
	cmd.PersistentFlags().DurationVar(&rf.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
	cmd.PersistentFlags().StringVar(&rf.ActorID, "actor-id", os.Getenv("USER"), "operator id sent to the daemon")
	cmd.PersistentFlags().StringVar(&rf.ActorLabel, "actor-label", "", "operator display name")
	cmd.PersistentFlags().StringVar(&rf.Token, "token", os.Getenv("OPSGATE_TOKEN"), "bearer token when server.auth is enabled (env OPSGATE_TOKEN)")
	cmd.PersistentFlags().StringVar(&rf.CACert, "ca-cert", "", "CA certificate for a TLS-terminated daemon")
	cmd.PersistentFlags().BoolVar(&rf.Insecure, "insecure", false, "skip TLS verification")
	cmd.PersistentFlags().BoolVar(&rf.JSON, "json", false, "print raw JSON")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the opsgate daemon in the foreground",
		Long: `Run the daemon: poll the git remote, serve the HTTP API and hold
confirmation sessions. The process exits with status 5 when a restart
is approved and 0 on an approved shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	return cmd
}

func createLaunchCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Supervise the daemon and restart it on request",
		Long: `Start the worker configured in [launch] (by default "opsgate serve" with
the same config) and start it again whenever it exits with status 5.
SIGINT and SIGTERM are forwarded to the worker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.LogDir, "log-dir", "", "write worker stdout/stderr to rotated files in this directory")
	return cmd
}

func createGitCommand(c command) *cobra.Command {
	rf := &RemoteFlags{}
	git := &cobra.Command{
		Use:   "git",
		Short: "Inspect and apply upstream changes",
	}
	addRemoteFlags(git, rf)

	git.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the last poll result",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.GitStatus(*rf) },
		},
		&cobra.Command{
			Use:   "check",
			Short: "Poll the remote now",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.GitCheck(*rf) },
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List upstream commits not yet applied",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.GitPending(*rf) },
		},
		&cobra.Command{
			Use:   "apply",
			Short: "Pull, push and restart the daemon",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.GitApply(*rf) },
		},
		&cobra.Command{
			Use:   "dismiss",
			Short: "Dismiss the current update notification",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.GitDismiss(*rf) },
		},
	)
	return git
}

func createPowerCommand(c command) *cobra.Command {
	rf := &RemoteFlags{}
	cancelFlags := &CancelFlags{}
	historyFlags := &HistoryFlags{}
	power := &cobra.Command{
		Use:   "power",
		Short: "Request and resolve restart or shutdown confirmations",
	}
	addRemoteFlags(power, rf)

	cancel := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a pending confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.PowerCancel(*rf, args[0], cancelFlags.Reason)
		},
	}
	cancel.Flags().StringVar(&cancelFlags.Reason, "reason", "", "reason recorded with the cancellation")

	show := &cobra.Command{
		Use:       "show <restart|shutdown>",
		Short:     "Show the pending session, cooldown and recent outcomes",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"restart", "shutdown"},
		RunE: func(_ *cobra.Command, args []string) error {
			return c.PowerShow(*rf, args[0], historyFlags.Limit)
		},
	}
	show.Flags().IntVar(&historyFlags.Limit, "limit", 10, "number of exported events to list")

	power.AddCommand(
		&cobra.Command{
			Use:   "restart",
			Short: "Request a restart; it runs once confirmed",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.PowerRequest(*rf, "restart") },
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Request a shutdown; it runs once confirmed",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.PowerRequest(*rf, "shutdown") },
		},
		&cobra.Command{
			Use:   "confirm <session-id>",
			Short: "Approve a pending confirmation",
			Args:  cobra.ExactArgs(1),
			RunE:  func(_ *cobra.Command, args []string) error { return c.PowerConfirm(*rf, args[0]) },
		},
		&cobra.Command{
			Use:   "answer <callback-id>",
			Short: "Resolve a confirmation by its confirm or cancel callback id",
			Args:  cobra.ExactArgs(1),
			RunE:  func(_ *cobra.Command, args []string) error { return c.PowerAnswer(*rf, args[0]) },
		},
		cancel,
		show,
	)
	return power
}

func createTokenCommand(c command) *cobra.Command {
	flags := &TokenFlags{}
	var asJSON bool
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for an operator with server.auth.secret",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.TokenIssue(*flags, asJSON)
		},
	}
	issue.Flags().StringVar(&flags.ActorID, "actor-id", "", "operator id (required)")
	issue.Flags().StringVar(&flags.ActorLabel, "actor-label", "", "operator display name")
	issue.Flags().DurationVar(&flags.TTL, "ttl", 0, "token lifetime (default server.auth.token_ttl)")
	issue.Flags().BoolVar(&asJSON, "json", false, "print token and expiry as JSON")
	_ = issue.MarkFlagRequired("actor-id")
	token.AddCommand(issue)
	return token
}
