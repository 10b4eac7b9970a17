package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects a running daemon for the client commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CAFile     string
}

// CallFlags holds flags for the call command.
type CallFlags struct {
	APIFlags
	Method  string
	Params  string
	Timeout time.Duration
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	APIFlags
	Wait time.Duration
}

// EventsFlags holds flags for the events command.
type EventsFlags struct {
	APIFlags
	Count int
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createValidateCommand(globalFlags),
		createStatusCommand(),
		createStartCommand(),
		createStopCommand(),
		createCallCommand(),
		createRequestsCommand(),
		createCancelCommand(),
		createEventsCommand(),
		createStubWorkerCommand(),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "aiengined",
		Short: "AI engine worker supervisor",
		Long: `aiengined runs an AI engine worker as a child process, talks JSON-RPC 2.0
to it over stdio, health-checks it and restarts it when it crashes.

Examples:
  aiengined serve --config=engine.toml
  aiengined status
  aiengined call --method=echo --params='{"text":"hi"}'
  aiengined stop --wait=5s`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML, YAML or JSON config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", defaultAPIUrl, "daemon URL including base path")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CAFile, "ca-file", "", "PEM file trusted for an https daemon (tls_ca.crt)")
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "aiengined", version)
		},
	}
}

// exitError carries a process exit code through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
