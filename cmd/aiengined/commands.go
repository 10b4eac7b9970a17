package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/loykin/aiengine/internal/config"
	"github.com/loykin/aiengine/internal/stubworker"
)

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Load and validate a config file",
		Long: `Load a config file, apply AIENGINE_* environment overrides and check the
engine section. Prints the resolved worker command line on success.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			fc, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "config ok")
			_, _ = fmt.Fprintln(out, "command:", strings.Join(fc.Engine.Command(), " "))
			_, _ = fmt.Fprintln(out, "listen:", fc.Server.Listen+fc.Server.BasePath)
			return nil
		},
	}
}

func createStatusCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(*f)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStartCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine on a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(*f)
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "engine ready")
			return nil
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStopCommand() *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine on a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(f.APIFlags)
			if err != nil {
				return err
			}
			if err := c.Stop(cmd.Context(), f.Wait); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "engine stopped")
			return nil
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "bound on the shutdown grace period (0 uses the configured one)")
	return cmd
}

func createCallCommand() *cobra.Command {
	f := &CallFlags{}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one JSON-RPC request to the worker",
		Long: `Send one JSON-RPC request to the worker through a running daemon and print
the result.

Examples:
  aiengined call --method=ping
  aiengined call --method=echo --params='{"text":"hi"}' --timeout=2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if f.Params != "" {
				if !gjson.Valid(f.Params) {
					return fmt.Errorf("--params is not valid JSON: %s", f.Params)
				}
				params = json.RawMessage(f.Params)
			}
			c, err := newClientFromFlags(f.APIFlags)
			if err != nil {
				return err
			}
			res, err := c.Call(cmd.Context(), f.Method, params, f.Timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.Method, "method", "", "method name (required)")
	cmd.Flags().StringVar(&f.Params, "params", "", "params as JSON")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "request timeout (0 uses the configured one)")
	if err := cmd.MarkFlagRequired("method"); err != nil {
		panic(err)
	}
	return cmd
}

func createRequestsCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List requests the worker has not answered yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(*f)
			if err != nil {
				return err
			}
			reqs, err := c.Requests(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reqs)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createCancelCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel one in-flight request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(*f)
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "request %s canceled\n", args[0])
			return nil
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createEventsCommand() *cobra.Command {
	f := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the engine status stream",
		Long: `Print engine status events from a running daemon, one JSON object per
line, until interrupted or until --count events have been printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClientFromFlags(f.APIFlags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			events, err := c.Events(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				seen++
				if f.Count > 0 && seen >= f.Count {
					return nil
				}
			}
			return nil
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().IntVar(&f.Count, "count", 0, "exit after this many events (0 follows until interrupted)")
	return cmd
}

func createStubWorkerCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "stub-worker",
		Short: "Run the reference worker on stdio",
		Long: `Run a minimal worker speaking the engine protocol on stdin/stdout. Point
engine.executable at aiengined and engine.args at ["stub-worker"] to exercise a
daemon without a real model.

Modes: ready, silent (never becomes ready), slow (delays replies), crash.`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := stubworker.ParseMode(mode)
			if err != nil {
				return err
			}
			if code := stubworker.Run(cmd.Context(), m, cmd.InOrStdin(), cmd.OutOrStdout()); code != stubworker.ExitOK {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(stubworker.ModeReady), "ready, silent, slow or crash")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
