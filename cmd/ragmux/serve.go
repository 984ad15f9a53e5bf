package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ragmux/internal/api"
	"github.com/kalambet/ragmux/internal/config"
	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/extract"
	"github.com/kalambet/ragmux/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ragmux server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ragmux server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ragmux system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Ingest PDFs as they appear in a directory (without the server)",
	Long: `Watch a directory and ingest every PDF that appears in it. Defaults to
ingest.watch_dir. Use this instead of serve, not alongside it; a running
server watches ingest.watch_dir itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		}
		return runWatch(dir)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ragmux.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ragmux is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ragmux is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	health := &api.Health{}
	health.SetEngineError(a.engineErr)
	if rep, err := a.docs.Reconcile(ctx); err != nil {
		slog.Warn("startup reconcile failed", "error", err)
	} else {
		health.Record(rep)
		if rep.Degraded() {
			slog.Warn("document registry is degraded", "issues", len(rep.Issues), "checked", rep.Checked)
		}
	}

	spoolDir := filepath.Join(cfg.Storage.DataDir, "spool")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	worker := ingest.NewWorker(a.store, a.ingester, 500*time.Millisecond)
	go worker.Run(ctx)

	if dir := cfg.Ingest.WatchDir; dir != "" {
		watcher := ingest.NewWatcher(dir, 0, func(_ context.Context, path string) {
			if _, err := ingest.Enqueue(a.store, path, false); err != nil {
				slog.Error("queueing watched file", "path", path, "error", err)
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("watcher stopped", "dir", dir, "error", err)
			}
		}()
		slog.Info("watching for PDFs", "dir", dir)
	}

	deps := api.Deps{
		Orchestrator:  a.orch,
		Documents:     a.docs,
		Search:        a.retriever,
		Ingester:      a.ingester,
		Queue:         a.store,
		Token:         cfg.Server.APIToken,
		RetentionDays: cfg.Storage.RetentionDays,
		Models:        configuredModels(cfg),
		SpoolDir:      spoolDir,
		Health:        health,
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; the HTTP API accepts unauthenticated requests")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ragmux listening on %s\n", addr)
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

func runWatch(dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	if dir == "" {
		dir = cfg.Ingest.WatchDir
	}
	if dir == "" {
		return fmt.Errorf("no directory given and ingest.watch_dir is not set")
	}

	// The server keeps the registry in memory; a second writer would diverge from it.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		return fmt.Errorf("ragmux server is running; set ingest.watch_dir and restart it instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	watcher := ingest.NewWatcher(dir, 0, func(ctx context.Context, path string) {
		res, ok := a.ingester.Ingest(ctx, path)
		switch {
		case res.Duplicate:
			printStatus(filepath.Base(path), "%s", uploadLabel(api.UploadDuplicate))
		case ok:
			printSuccess("%s: %d chunks (%s)", filepath.Base(path), res.Chunks, res.Method)
		default:
			printError("%s: %s", filepath.Base(path), res.Reason)
		}
	})
	printStep("Watching %s (Ctrl-C to stop)", dir)
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
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
		printError("ragmux is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ragmux (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ragmux (PID %d)", pid)
	return nil
}

type healthView struct {
	Status   string         `json:"status"`
	Degraded bool           `json:"degraded"`
	Engine   string         `json:"engine"`
	Docs     docstore.Stats `json:"documents"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health *healthView
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		if resp.StatusCode == http.StatusOK {
			var h healthView
			if decodeJSON(resp, &h) == nil {
				health = &h
			}
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			resp.Body.Close()
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Coding model", "%s", cfg.Models.Coding)
	printStatus("Reasoning model", "%s", cfg.Models.Reasoning)
	printStatus("General model", "%s", cfg.Models.General)
	printStatus("Image model", "%s", cfg.Models.Image)
	printStatus("Embed model", "%s", cfg.Models.Embed)
	printStatus("Web search", "%s", enabledLabel(cfg.Web.Enabled))

	if health != nil {
		printStatus("Documents", "%d (%d chunks)", health.Docs.Documents, health.Docs.Chunks)
		if health.Degraded {
			printStatus("Registry", "%s", colorize(colorYellow, "degraded, run `ragmux reconcile`"))
		}
		if health.Engine != "" && health.Engine != "ok" {
			printStatus("Engine", "%s", colorize(colorYellow, health.Engine))
		}
	}

	if missing := missingTools(cfg); len(missing) > 0 {
		printWarning("missing tools: %s", strings.Join(missing, ", "))
		fmt.Fprintln(os.Stderr, extract.InstallInstructions())
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// missingTools lists the external programs the configured extraction chain
// needs but cannot find on PATH.
func missingTools(cfg config.Config) []string {
	var tools []string
	if cfg.Ingest.Poppler {
		tools = append(tools, "pdftotext")
	}
	if cfg.Ingest.OCR {
		tools = append(tools, "pdftoppm", "tesseract")
	}
	var missing []string
	for _, t := range tools {
		if _, err := exec.LookPath(t); err != nil {
			missing = append(missing, t)
		}
	}
	return missing
}
