// Package session coordinates the lifecycle of one agentic session: it syncs
// the workspace in, drives the inference engine while mirroring its event
// stream into the message log, syncs results out and reports exactly one
// terminal phase to the backend.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/ambient-code/session-runner/engine"
	"github.com/ambient-code/session-runner/status"
	"github.com/ambient-code/session-runner/telemetry"
)

type (
	// Descriptor identifies one session and where its state lives. It is
	// immutable for the lifetime of the run.
	Descriptor struct {
		// Name is the session resource name.
		Name string
		// Namespace is the project namespace the session runs in.
		Namespace string
		// RunID uniquely identifies this runner invocation.
		RunID string
		// Workdir is the local working directory the engine operates in.
		Workdir string
		// MessagePath is the remote path the message log is flushed to.
		MessagePath string
		// WorkspacePath is the remote root the workspace syncs against. Empty
		// disables workspace sync.
		WorkspacePath string
	}

	// MessageLog is the subset of the message log the coordinator drives.
	MessageLog interface {
		AppendStatus(text string)
		AppendTextDelta(ctx context.Context, delta string)
		AppendToolUse(ctx context.Context, id, name string, input any)
		AppendToolResult(ctx context.Context, toolUseID string, content any, isError bool)
		Flush(ctx context.Context) bool
	}

	// Synchronizer mirrors the workspace between the remote store and Workdir.
	Synchronizer interface {
		Pull(ctx context.Context)
		Push(ctx context.Context)
	}

	// Reporter sends phase updates to the backend.
	Reporter interface {
		Report(ctx context.Context, u status.Update)
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)

	// Coordinator runs one session end to end.
	Coordinator struct {
		desc     Descriptor
		eng      engine.Engine
		msgs     MessageLog
		ws       Synchronizer
		reporter Reporter
		insts    *telemetry.Instruments
		now      func() time.Time
	}
)

// NewDescriptor builds a Descriptor with a fresh run identifier.
func NewDescriptor(name, namespace, workdir, messagePath, workspacePath string) Descriptor {
	return Descriptor{
		Name:          name,
		Namespace:     namespace,
		RunID:         uuid.NewString(),
		Workdir:       workdir,
		MessagePath:   messagePath,
		WorkspacePath: workspacePath,
	}
}

// ArtifactsDir is the directory under Workdir where the agent is instructed to
// place file outputs.
func (d Descriptor) ArtifactsDir() string {
	return filepath.Join(d.Workdir, "artifacts")
}

// WithTelemetry enables phase spans and counters on the coordinator.
func WithTelemetry(insts *telemetry.Instruments) Option {
	return func(c *Coordinator) { c.insts = insts }
}

// WithClock overrides the completion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator assembles a Coordinator from its collaborators.
func NewCoordinator(desc Descriptor, eng engine.Engine, msgs MessageLog, ws Synchronizer, reporter Reporter, opts ...Option) *Coordinator {
	c := &Coordinator{
		desc:     desc,
		eng:      eng,
		msgs:     msgs,
		ws:       ws,
		reporter: reporter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// promptSuffix is appended to every user prompt so file outputs land in the
// synced artifacts directory.
const promptSuffix = "\n\nIMPORTANT: Save any file outputs into the 'artifacts' folder of the working directory."

// finalOutputFile is written under ArtifactsDir after a successful run.
const finalOutputFile = "final-output.txt"

// Run executes the session: sync in, stream the engine run into the message
// log, sync out and report a terminal phase. Exactly one terminal report is
// sent whether the run succeeds or fails; the error returned mirrors the
// Failed report for the caller's exit code.
func (c *Coordinator) Run(ctx context.Context, req engine.Request) error {
	ctx = log.With(ctx,
		log.KV{K: "session", V: c.desc.Name},
		log.KV{K: "namespace", V: c.desc.Namespace},
		log.KV{K: "run_id", V: c.desc.RunID},
	)

	c.reporter.Report(ctx, status.Update{Phase: status.PhaseRunning, Message: "Initializing session"})

	c.pull(ctx)

	c.msgs.AppendStatus("Starting model run")
	c.msgs.Flush(ctx)

	result, runErr := c.stream(ctx, req)

	if runErr != nil {
		c.msgs.AppendStatus("Model run failed")
	} else {
		c.msgs.AppendStatus("Model run completed")
	}
	c.msgs.Flush(ctx)

	if runErr == nil && result != nil {
		c.writeFinalOutput(ctx, result.Text)
	}

	c.push(ctx)

	done := c.now().UTC()
	if runErr != nil {
		log.Errorf(ctx, runErr, "session failed")
		c.reporter.Report(ctx, status.Update{
			Phase:          status.PhaseFailed,
			Message:        runErr.Error(),
			CompletionTime: &done,
		})
		return runErr
	}

	update := status.Update{
		Phase:          status.PhaseCompleted,
		Message:        fmt.Sprintf("Completed in %s over %d turns", result.Duration.Round(time.Millisecond), result.NumTurns),
		FinalOutput:    result.Text,
		CompletionTime: &done,
	}
	if result.CostUSD != nil {
		update.Cost = result.CostUSD
	}
	c.reporter.Report(ctx, update)
	log.Printf(ctx, "session completed: turns=%d stop=%s", result.NumTurns, result.StopReason)
	return nil
}

// stream runs the engine and mirrors every event into the message log.
func (c *Coordinator) stream(ctx context.Context, req engine.Request) (*engine.Result, error) {
	sctx, end := c.insts.StartPhase(ctx, "model_run")
	defer end()

	if req.Workdir == "" {
		req.Workdir = c.desc.Workdir
	}
	req.Prompt += promptSuffix

	s, err := c.eng.Run(sctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	for {
		ev, err := s.Recv()
		if err != nil {
			break
		}
		switch e := ev.(type) {
		case engine.TextDelta:
			c.msgs.AppendTextDelta(sctx, e.Text)
		case engine.ToolUse:
			c.msgs.AppendToolUse(sctx, e.ID, e.Name, e.Input)
		case engine.ToolResult:
			c.msgs.AppendToolResult(sctx, e.ToolUseID, e.Content, e.IsError)
		}
	}
	return s.Result()
}

// writeFinalOutput persists the final assistant text under the artifacts
// directory. Best effort: failures are logged, the session still completes.
func (c *Coordinator) writeFinalOutput(ctx context.Context, text string) {
	if text == "" {
		return
	}
	dir := c.desc.ArtifactsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf(ctx, "create artifacts dir: %v", err)
		return
	}
	path := filepath.Join(dir, finalOutputFile)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		log.Warnf(ctx, "write final output: %v", err)
	}
}

func (c *Coordinator) pull(ctx context.Context) {
	sctx, end := c.insts.StartPhase(ctx, "workspace_pull")
	defer end()
	c.ws.Pull(sctx)
}

func (c *Coordinator) push(ctx context.Context) {
	sctx, end := c.insts.StartPhase(ctx, "workspace_push")
	defer end()
	c.ws.Push(sctx)
}
