// Command runner executes one agentic session: it pulls the session workspace
// from the content service, streams a Claude run into the message log,
// pushes results back and reports the final phase to the backend API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"goa.design/clue/log"

	"github.com/ambient-code/session-runner/contentstore"
	"github.com/ambient-code/session-runner/engine"
	"github.com/ambient-code/session-runner/engine/claude"
	"github.com/ambient-code/session-runner/messagelog"
	"github.com/ambient-code/session-runner/persona"
	"github.com/ambient-code/session-runner/session"
	"github.com/ambient-code/session-runner/status"
	"github.com/ambient-code/session-runner/telemetry"
	"github.com/ambient-code/session-runner/tools"
	"github.com/ambient-code/session-runner/workspace"
)

func main() {
	// Local development convenience; the job pod injects env vars directly.
	_ = godotenv.Load()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		log.Fatalf(ctx, err, "create working directory %s", cfg.Workdir)
	}

	system := ""
	allowed := []string(nil)
	model := cfg.Model
	maxTurns := cfg.MaxTurns
	if cfg.PersonaPath != "" {
		p, err := persona.Load(cfg.PersonaPath)
		if err != nil {
			log.Fatalf(ctx, err, "load persona")
		}
		log.Printf(ctx, "using persona %s", p.Name)
		system = p.SystemPrompt
		allowed = p.AllowedTools
		if p.Model != "" {
			model = p.Model
		}
		if p.MaxTurns > 0 {
			maxTurns = p.MaxTurns
		}
	}

	insts := telemetry.New()

	storeOpts := []contentstore.Option(nil)
	statusOpts := []status.Option{
		status.WithInterimLimit(2 * time.Second),
		status.WithTelemetry(insts),
	}
	if cfg.BotToken != "" {
		storeOpts = append(storeOpts, contentstore.WithBearerToken(cfg.BotToken))
		statusOpts = append(statusOpts, status.WithBearerToken(cfg.BotToken))
	}

	store := contentstore.New(cfg.ContentAPIURL, storeOpts...)
	msgs := messagelog.New(store, cfg.MessagePath, messagelog.WithTelemetry(insts))
	ws := workspace.New(store, cfg.WorkspacePath, cfg.Workdir, workspace.WithTelemetry(insts))
	reporter := status.New(cfg.BackendAPIURL, cfg.SessionName, statusOpts...)

	runner := tools.NewLocal(cfg.Workdir, allowed)
	eng, err := claude.NewFromAPIKey(cfg.AnthropicAPIKey, runner, claude.Options{
		Model:           model,
		MaxTokens:       8192,
		MaxTurns:        maxTurns,
		InputCostPer1M:  cfg.InputCostPerMTok,
		OutputCostPer1M: cfg.OutputCostPerMTok,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build claude engine")
	}

	desc := session.NewDescriptor(cfg.SessionName, cfg.Namespace, cfg.Workdir, cfg.MessagePath, cfg.WorkspacePath)
	coord := session.NewCoordinator(desc, eng, msgs, ws, reporter, session.WithTelemetry(insts))

	if err := coord.Run(ctx, engine.Request{Prompt: cfg.Prompt, System: system, MaxTurns: maxTurns}); err != nil {
		os.Exit(1)
	}
}
