// Package repl runs untrusted code in long-lived, stateful Python sessions
// and lets that code call back into a registry of host-side tools.
//
// The root package defines the shared contracts:
//
//   - [ExecutionRequest] / [ExecutionResult]: one code submission and its normalized outcome
//   - [Artifact]: a non-textual side effect (image, chart) produced by an execution
//   - [Executor]: anything that runs code for a session id (the session store)
//   - [Tool] / [ToolDefinition]: pluggable host capability with a JSON schema
//   - [BridgeCall]: one tool invocation arriving from a sandbox or the orchestrator
//
// Subpackages provide the implementations:
//
//   - kernel: session runtime (Python driver process) and message stream decoder
//   - session: keyed session store with idle reaper and state persistence
//   - router: tool dispatch with validation, context injection, result shaping, HTTP server
//   - bridge: Go client for the tool callback protocol and binding helpers
//   - mcp: MCP server (top-level channel) and MCP client for external tool providers
//   - chart: plotly figure rasterizer
//   - artifact: local and S3 artifact storage
//   - observer: OpenTelemetry instrumentation
//   - store/sqlite, store/postgres: session ledger
//
// # Quick Start
//
//	rt := router.New(router.WithLogger(logger))
//	rt.Register(web.New())
//	srv := router.NewServer(rt)
//	if err := srv.Start("127.0.0.1:8811"); err != nil {
//		return err
//	}
//	defer srv.Close()
//
//	store := session.New(
//		session.KernelFactory(kernel.NewLocalLauncher("python3")),
//		session.WithStateDir("kernel_states"),
//		session.WithIdleTimeout(5*time.Minute),
//	)
//	defer store.Close(ctx)
//
//	res, err := store.Execute(ctx, "conv-1", repl.ExecutionRequest{Code: "print(1+1)"})
package repl
