// Package main is the entry point for the agentstep CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/agentstep/config"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/runtime"
	"github.com/sweetpotato0/agentstep/server"
	"github.com/sweetpotato0/agentstep/stream"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentstep",
		Short:         "Drive LLM conversations with tool calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.AddCommand(versionCmd(), completeCmd(), chatCmd(), serveCmd(), sessionsCmd(), configCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentstep %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func completeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <message>",
		Short: "Run one turn, executing tool calls until the model answers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			sessionID, _ := cmd.Flags().GetString("session-id")
			asJSON, _ := cmd.Flags().GetBool("json")

			result, err := rt.Executor().Execute(cmd.Context(), &runtime.Request{
				SessionID: sessionID,
				Input:     strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(out, result.Output)
			return nil
		},
	}
	cmd.Flags().String("session-id", "", "Session id to record the turn under")
	cmd.Flags().Bool("json", false, "Print the full turn result as JSON")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			s, err := rt.Agent().NewStream(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return chat(cmd.Context(), rt, s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chat reads one user message per line and prints the turn. Tool calls are
// answered with the agent's handlers.
func chat(ctx context.Context, rt *runtime.Runtime, s *stream.Stream, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := s.Send(text); err != nil {
			return err
		}
		if err := drain(ctx, rt, s, out); err != nil {
			return err
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func drain(ctx context.Context, rt *runtime.Runtime, s *stream.Stream, out io.Writer) error {
	for {
		msg, err := s.Next(ctx)
		switch {
		case errors.Is(err, stream.ErrEndOfStream):
			return nil
		case err != nil:
			return err
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			fmt.Fprintln(out, msg.Text())
			continue
		}
		call := calls[0]
		fmt.Fprintf(out, "[tool] %s %s\n", call.Name, call.ArgumentsJSON())
		result, err := rt.Agent().ExecuteTool(ctx, call)
		if err != nil {
			result = message.ToolResult{ID: call.ID, Name: call.Name, Output: err.Error(), IsError: true}
		}
		if err := s.Submit(result); err != nil {
			return err
		}
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			rt, err := runtime.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			return server.New(rt, cfg.Server).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overriding server.addr")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored session ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			st := rt.Store()
			if st == nil {
				return errors.New("no session backend configured")
			}
			ids, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored session record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			st := rt.Store()
			if st == nil {
				return errors.New("no session backend configured")
			}
			rec, err := st.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (provider %s, session backend %q, %d MCP servers)\n",
				cfg.Provider.Provider, cfg.Session.Backend, len(cfg.Agent.MCPServers))
			return nil
		},
	})
	return cmd
}

func buildRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return runtime.Build(cmd.Context(), cfg)
}

// loadConfig reads path, or the first config file found in the standard
// locations. Without any file the defaults are resolved from the environment.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = resolveConfigPath()
	}
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/agentstep/agentstep.yaml → ./agentstep.yaml
func resolveConfigPath() string {
	var candidates []string
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "agentstep", "agentstep.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "agentstep", "agentstep.yaml"))
	}
	candidates = append(candidates, "agentstep.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
