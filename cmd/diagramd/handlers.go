package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/diagramd/internal/agent"
	"github.com/haasonsaas/diagramd/internal/agent/providers"
	"github.com/haasonsaas/diagramd/internal/backends"
	"github.com/haasonsaas/diagramd/internal/config"
	"github.com/haasonsaas/diagramd/internal/observability"
	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/internal/sessions"
	"github.com/haasonsaas/diagramd/internal/tools"
	"github.com/haasonsaas/diagramd/internal/trace"
	"github.com/haasonsaas/diagramd/internal/validators"
	"github.com/haasonsaas/diagramd/internal/web"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// runServe implements the serve command: load config, wire the agent stack,
// and run the HTTP server until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	redactor := redact.NewEngine()
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}, redactor)
	metrics := observability.NewMetrics()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	dispatcher, err := buildDispatcher(cfg, provider)
	if err != nil {
		return err
	}

	store, err := sessions.NewStore(cfg.Storage.BaseDir, cfg.Sessions.TTL)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	traces, runID, err := openTraceWriter(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	defer traces.Close()

	engine := agent.New(agent.Config{
		Provider:   provider,
		Dispatcher: dispatcher,
		Redactor:   redactor,
		Traces:     traces,
		Logger:     logger,
		Metrics:    metrics,
		Model:      cfg.LLM.Model,
		MaxTurns:   cfg.Agent.MaxTurns,
	})

	sweeper, err := sessions.NewSweeper(store, cfg.Sessions.SweepSchedule, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	apiServer := web.NewServer(web.Config{
		Store:       store,
		Engine:      engine,
		Logger:      logger,
		Metrics:     metrics,
		MaxSessions: cfg.Sessions.MaxSessions,
		MetricsPath: cfg.Server.MetricsPath,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info(ctx, "diagramd server started",
		"version", version,
		"addr", addr,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"run_id", runID,
	)

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runChat implements the chat command: the same agent stack without the HTTP
// layer, reading requests from a flag or stdin and saving renders to disk.
func runChat(ctx context.Context, configPath, prompt, outputDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if outputDir == "" {
		outputDir = cfg.Storage.OutputDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	redactor := redact.NewEngine()
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	}, redactor)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	dispatcher, err := buildDispatcher(cfg, provider)
	if err != nil {
		return err
	}

	traces, _, err := openTraceWriter(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	defer traces.Close()

	engine := agent.New(agent.Config{
		Provider:   provider,
		Dispatcher: dispatcher,
		Redactor:   redactor,
		Traces:     traces,
		Logger:     logger,
		Model:      cfg.LLM.Model,
		MaxTurns:   cfg.Agent.MaxTurns,
	})

	session := models.NewSession(strings.ReplaceAll(uuid.NewString(), "-", ""))

	if prompt != "" {
		return runChatTurn(ctx, engine, session, prompt, outputDir, os.Stdout)
	}

	fmt.Println("diagramd chat. Describe a diagram, or type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := runChatTurn(ctx, engine, session, line, outputDir, os.Stdout); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runChatTurn streams one turn to the terminal, writing each render to the
// output directory as its render_ready event arrives.
func runChatTurn(ctx context.Context, engine *agent.Engine, session *models.Session, text, outputDir string, out io.Writer) error {
	for ev := range engine.Run(ctx, session, text) {
		switch ev.Type {
		case models.EventTextDelta:
			fmt.Fprint(out, ev.Payload["delta"])
		case models.EventRenderReady:
			renderID, _ := ev.Payload["render_id"].(string)
			imageBytes := session.Renders[renderID]
			if renderID == "" || imageBytes == nil {
				continue
			}
			path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", session.ID[:8], renderID))
			if err := os.WriteFile(path, imageBytes, 0o644); err != nil {
				fmt.Fprintf(out, "\n[failed to write %s: %v]\n", path, err)
				continue
			}
			fmt.Fprintf(out, "\n[render %s saved to %s]\n", renderID, path)
		case models.EventValidateResult:
			fmt.Fprintf(out, "\n[validation score %v, passed=%v]\n", ev.Payload["score"], ev.Payload["passed"])
		case models.EventError:
			fmt.Fprintf(out, "\nError: %v\n", ev.Payload["message"])
		case models.EventTurnComplete:
			fmt.Fprintln(out)
		}
	}
	return nil
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.LLM.Provider)
	}
}

func buildDispatcher(cfg *config.Config, provider providers.Provider) (*tools.Dispatcher, error) {
	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("compile tool schemas: %w", err)
	}
	renderer := backends.New(backends.Config{
		PdflatexPath:   cfg.Render.PdflatexPath,
		DotPath:        cfg.Render.DotPath,
		PythonPath:     cfg.Render.PythonPath,
		PdftoppmPath:   cfg.Render.PdftoppmPath,
		RenderTimeout:  cfg.Render.RenderTimeout,
		SandboxTimeout: cfg.Render.SandboxTimeout,
	})
	visual := validators.NewVisual(provider, cfg.LLM.Model, cfg.Agent.VisualScoreThreshold)
	return tools.NewDispatcher(registry, renderer, visual, cfg.Storage.OutputDir), nil
}

// openTraceWriter creates a per-process JSONL trace file under
// <baseDir>/traces.
func openTraceWriter(baseDir string) (*trace.Writer, string, error) {
	tracesDir := filepath.Join(baseDir, "traces")
	if err := os.MkdirAll(tracesDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create traces dir: %w", err)
	}
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(tracesDir, "run-"+runID+".jsonl")
	writer, err := trace.NewFileWriter(path, runID)
	if err != nil {
		return nil, "", err
	}
	return writer, runID, nil
}
