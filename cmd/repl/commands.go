package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/bridge"
	"github.com/nevindra/repl/internal/config"
	"github.com/nevindra/repl/mcp"
	"github.com/nevindra/repl/router"
)

// loadApp reads the config named by the --config flag and wires an app.
// Logs go to stderr so stdout stays free for command output.
func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	return newApp(cmd.Context(), cfg, logger)
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session API and the tool router",
		Long: `Start the session HTTP API (POST /start, /code, /shutdown) and the tool
router that session code calls back into.

Idle sessions are saved and shut down by the reaper. On SIGINT/SIGTERM every
live session is saved before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rs := router.NewServer(a.router)
	if err := rs.Start(a.cfg.Router.Addr); err != nil {
		a.Close(context.Background())
		return fmt.Errorf("start router: %w", err)
	}
	a.logger.Info("router listening", "addr", rs.Addr(), "url", a.cfg.RouterURL())

	srv := &http.Server{
		Addr:        a.cfg.Server.Addr,
		Handler:     a.api().routes(),
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("session api listening", "addr", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.ShutdownTimeout.Duration+30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		a.logger.Warn("session api shutdown", "error", err)
	}
	if err := rs.Close(); err != nil {
		a.logger.Warn("router shutdown", "error", err)
	}
	if err := a.Close(shutCtx); err != nil {
		a.logger.Warn("close", "error", err)
	}
	a.logger.Info("stopped")
	return serveErr
}

func buildRouterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Start only the tool router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rs := router.NewServer(a.router)
			if err := rs.Start(a.cfg.Router.Addr); err != nil {
				return fmt.Errorf("start router: %w", err)
			}
			a.logger.Info("router listening", "addr", rs.Addr())
			<-ctx.Done()
			return rs.Close()
		},
	}
}

func buildMCPCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry to an MCP client over stdio",
		Long: `Serve the tool registry over stdio using the Model Context Protocol.

Calls arrive on the top-level orchestration channel, so composite tools such
as run_session are allowed. The session store and the tool router run in the
same process so that session code can call back into tools.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defaults, err := parseState(state)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			rs := router.NewServer(a.router)
			if err := rs.Start(a.cfg.Router.Addr); err != nil {
				return fmt.Errorf("start router: %w", err)
			}
			defer rs.Close()

			srv := mcp.New("repl", version,
				mcp.WithRouter(a.router),
				mcp.WithState(defaults),
				mcp.WithServerLogger(a.logger.With("component", "mcp")),
			)
			srv.AddResource(mcp.Resource{
				URI:         "repl://sessions",
				Name:        "sessions",
				Description: "Live sessions",
				MimeType:    "application/json",
				Read: func(context.Context) (string, error) {
					b, err := json.Marshal(a.sessions.List())
					return string(b), err
				},
			})
			for _, h := range sessionTools(a.sessions) {
				srv.AddTool(h)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", `Default call state as JSON, e.g. '{"kernel_id":"k1"}'`)
	return cmd
}

type closeSessionArgs struct {
	KernelID string `json:"kernel_id" jsonschema:"description=Id of the session to close"`
}

// sessionTools manage sessions for MCP clients. They are not registered on
// the router, so session code cannot reach them.
func sessionTools(sessions sessionService) []mcp.ToolHandler {
	return []mcp.ToolHandler{
		{
			Definition: mcp.ToolDefinition{
				Name:        "list_sessions",
				Description: "List live code sessions with their last activity.",
				InputSchema: router.Params(&struct{}{}),
			},
			Execute: func(context.Context, json.RawMessage) mcp.ToolCallResult {
				b, err := json.Marshal(sessions.List())
				if err != nil {
					return mcp.ErrorResult(err.Error())
				}
				return mcp.TextResult(string(b))
			},
		},
		{
			Definition: mcp.ToolDefinition{
				Name:        "close_session",
				Description: "Save the state of a session and stop its runtime.",
				InputSchema: router.Params(&closeSessionArgs{}),
			},
			Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
				var p closeSessionArgs
				if err := json.Unmarshal(args, &p); err != nil || p.KernelID == "" {
					return mcp.ErrorResult("kernel_id is required")
				}
				if err := sessions.Shutdown(ctx, p.KernelID); err != nil {
					if errors.Is(err, repl.ErrSessionNotFound) {
						return mcp.ErrorResult(fmt.Sprintf("session %s not found", p.KernelID))
					}
					return mcp.ErrorResult(err.Error())
				}
				b, _ := json.Marshal(map[string]any{"kernel_id": p.KernelID, "completed": true})
				return mcp.TextResult(string(b))
			},
		},
	}
}

func buildCallCmd() *cobra.Command {
	var args, state string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool on the top-level channel and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			st, err := parseState(state)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			out, err := a.router.Invoke(cmd.Context(), repl.BridgeCall{
				Tool:   positional[0],
				Kwargs: json.RawMessage(args),
				State:  st,
			}, repl.OriginOrchestrator)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&args, "args", "{}", "Keyword arguments as a JSON object")
	cmd.Flags().StringVar(&state, "state", "", "Call state as a JSON object")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var remote string
	var all bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tool descriptors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var defs []repl.ToolDefinition
			if remote != "" {
				var err error
				if defs, err = bridge.NewClient(remote).Tools(cmd.Context()); err != nil {
					return err
				}
			} else {
				a, err := loadApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close(context.Background())
				defs = a.router.Definitions(all)
			}
			return writeTools(cmd.OutOrStdout(), defs)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "List the tools of a running router at this URL")
	cmd.Flags().BoolVar(&all, "all", false, "Include helper tools")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "repl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func writeTools(w io.Writer, defs []repl.ToolDefinition) error {
	for _, d := range defs {
		flag := ""
		if d.Composite {
			flag = " [composite]"
		}
		if _, err := fmt.Fprintf(w, "%s%s\n    %s\n", d.Name, flag, d.Description); err != nil {
			return err
		}
	}
	return nil
}

func parseState(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return nil, fmt.Errorf("invalid --state: %w", err)
	}
	return st, nil
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		_, err := fmt.Fprintln(w, string(data))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
