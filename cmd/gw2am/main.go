package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stdin)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(out io.Writer, in io.Reader) *cobra.Command {
	g := &GlobalFlags{}
	c := newCommand(out, in)

	root := &cobra.Command{
		Use:   "gw2am",
		Short: "Run several Guild Wars 2 accounts side by side",
		Long: `gw2am launches one game client per stored account, tags each client so it
can be found again, and stops an account's client without touching the others.

Examples:
  gw2am serve --config gw2am.toml   # start the daemon
  gw2am account add main --email me@example.com --password-stdin
  gw2am launch main
  gw2am status
  gw2am stop --all`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&g.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8470/api)")
	root.PersistentFlags().DurationVar(&g.APITimeout, "api-timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		createServeCommand(g),
		createLaunchCommand(c, g),
		createStopCommand(c, g),
		createStatusCommand(c, g),
		createProcessesCommand(c, g),
		createPruneCommand(c, g),
		createTagCommand(c),
		createAccountCommand(c, g),
	)
	return root
}

func createLaunchCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "launch [account]",
		Short: "Launch an account's game client",
		Long: `Launch the game client for an account and wait until the tagged process
shows up. With --all every stored account is launched one after another.

Examples:
  gw2am launch main
  gw2am launch main --async
  gw2am launch --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.ID = args[0]
			}
			return c.Launch(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "launch every account")
	cmd.Flags().BoolVar(&f.Async, "async", false, "return before the client is detected")
	return cmd
}

func createStopCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [account]",
		Short: "Stop an account's game client",
		Long: `Terminate the account's client together with its child processes.

Examples:
  gw2am stop main
  gw2am stop --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.ID = args[0]
			}
			return c.Stop(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "stop every running account")
	return cmd
}

func createStatusCommand(c command, g *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show accounts with their launch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *g, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createProcessesCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List tagged game clients and clients nobody owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Processes(cmd.Context(), *g)
		},
	}
}

func createPruneCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop launch state of deleted accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Prune(cmd.Context(), *g)
		},
	}
}

func createTagCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <account>...",
		Short: "Print the identity tag for account ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Tag(args)
		},
	}
}

func createAccountCommand(c command, g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage stored accounts",
	}

	f := &AccountAddFlags{}
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update an account",
		Long: `Add or update an account. The password is read from stdin so it never
appears in shell history; leave it out to keep the stored one.

Examples:
  echo "$PW" | gw2am account add main --email me@example.com --password-stdin
  gw2am account add alt --launch-args "-windowed -maploadinfo"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ID = args[0]
			return c.AccountAdd(cmd.Context(), *g, *f)
		},
	}
	add.Flags().StringVar(&f.Name, "name", "", "display name")
	add.Flags().StringVar(&f.Email, "email", "", "login email")
	add.Flags().StringVar(&f.LaunchArgs, "launch-args", "", "extra client arguments")
	add.Flags().BoolVar(&f.PasswordStdin, "password-stdin", false, "read the password from stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AccountList(cmd.Context(), *g)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AccountRemove(cmd.Context(), *g, args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
