package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/forgeworks/forged/internal/api"
	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/cache"
	"github.com/forgeworks/forged/internal/config"
	"github.com/forgeworks/forged/internal/engine"
	"github.com/forgeworks/forged/internal/generate"
	"github.com/forgeworks/forged/internal/memory"
	"github.com/forgeworks/forged/internal/orchestrator"
	"github.com/forgeworks/forged/internal/planner"
	"github.com/forgeworks/forged/internal/repair"
	"github.com/forgeworks/forged/internal/testgate"
	"github.com/forgeworks/forged/internal/verify"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the forged server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running forged server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show forged system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "forged.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// defaultingExecutor fills request options from server configuration before
// handing off to the pipeline.
type defaultingExecutor struct {
	inner *orchestrator.Orchestrator
	opts  config.PipelineConfig
}

func (d defaultingExecutor) Execute(ctx context.Context, req build.Request) build.Response {
	if req.Options.Strictness == "" {
		req.Options.Strictness = build.Strictness(d.opts.Strictness)
	}
	if req.Options.TimeBudgetSeconds == 0 {
		req.Options.TimeBudgetSeconds = d.opts.TimeBudgetSeconds
	}
	req.Options.RunTests = req.Options.RunTests || d.opts.RunTests
	return d.inner.Execute(ctx, req)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "forged version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start a second instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("forged is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("forged is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewClient(cfg.Engine.BaseURL)
	if !eng.IsRunning(ctx) {
		printWarning("inference engine not reachable at %s; builds will fall back to template planning and fail generation", cfg.Engine.BaseURL)
	}

	store, err := memory.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing memory store: %v\n", err)
		}
	}()

	// Assemble the pipeline.
	strictness := build.Strictness(cfg.Pipeline.Strictness)
	verifiers := []verify.Verifier{
		verify.StructureVerifier{},
		verify.SecurityVerifier{Strictness: strictness},
		verify.LLMVerifier{Chatter: eng, Model: cfg.Engine.ReviewModel},
	}
	pool := verify.NewPool(verifiers, config.Duration(cfg.Pipeline.VerifierTimeout, 30*time.Second))
	arbiter := verify.NewArbiter(
		verify.LLMVerifier{Chatter: eng, Model: cfg.Engine.ArbiterModel},
		cfg.Pipeline.ArbiterFailThreshold,
	)

	bus := repair.NewBus(0)
	artifactCache := cache.New(cfg.Cache.Capacity, config.Duration(cfg.Cache.TTL, time.Hour))

	orch := orchestrator.New(orchestrator.Deps{
		Planner:        planner.New(eng, cfg.Engine.GenModel),
		Generator:      generate.New(eng, cfg.Engine.GenModel, -1),
		Pool:           pool,
		Arbiter:        arbiter,
		Gate:           testgate.New(nil),
		Cache:          artifactCache,
		Memory:         store,
		Bus:            bus,
		MaxCorrections: cfg.Pipeline.MaxCorrections,
	})
	executor := defaultingExecutor{inner: orch, opts: cfg.Pipeline}

	// Self-repair monitor: remediation re-checks engine reachability, the
	// dominant cause of grouped pipeline errors.
	remediator := repair.RemediatorFunc(func(rctx context.Context, signature string, events []repair.Event) error {
		checkCtx, cancel := context.WithTimeout(rctx, 5*time.Second)
		defer cancel()
		if !eng.IsRunning(checkCtx) {
			return fmt.Errorf("inference engine unreachable at %s", cfg.Engine.BaseURL)
		}
		return nil
	})
	monitor := repair.NewMonitor(bus, remediator, repair.Options{
		Interval:         config.Duration(cfg.Repair.Interval, time.Minute),
		Window:           config.Duration(cfg.Repair.Window, time.Hour),
		FailureThreshold: cfg.Repair.FailureThreshold,
		MaxAttempts:      cfg.Repair.MaxAttempts,
	}, slog.Default())
	go monitor.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Executor: executor,
		Cache:    artifactCache,
		Memory:   store,
		Monitor:  monitor,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Executor: executor,
		Cache:    artifactCache,
		Memory:   store,
		Monitor:  monitor,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "forged listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("forged is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop forged (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to forged (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng := engine.NewClient(cfg.Engine.BaseURL)
	engCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if eng.IsRunning(engCtx) {
		printStatus("Engine", "running at %s", cfg.Engine.BaseURL)
	} else {
		printStatus("Engine", "not running")
	}

	printStatus("Gen model", "%s", cfg.Engine.GenModel)
	printStatus("Review model", "%s", cfg.Engine.ReviewModel)
	printStatus("Arbiter model", "%s", cfg.Engine.ArbiterModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
