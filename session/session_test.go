package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambient-code/session-runner/contentstore"
	"github.com/ambient-code/session-runner/engine"
	"github.com/ambient-code/session-runner/messagelog"
	"github.com/ambient-code/session-runner/status"
)

type fakeStream struct {
	events []engine.Event
	i      int
	result *engine.Result
	err    error
}

func (f *fakeStream) Recv() (engine.Event, error) {
	if f.i < len(f.events) {
		ev := f.events[f.i]
		f.i++
		return ev, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, io.EOF
}

func (f *fakeStream) Result() (*engine.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeEngine struct {
	stream *fakeStream
	req    engine.Request
	calls  *[]string
}

func (f *fakeEngine) Run(_ context.Context, req engine.Request) (engine.Stream, error) {
	f.req = req
	if f.calls != nil {
		*f.calls = append(*f.calls, "engine")
	}
	return f.stream, nil
}

type fakeSync struct {
	calls *[]string
}

func (f *fakeSync) Pull(context.Context) { *f.calls = append(*f.calls, "pull") }
func (f *fakeSync) Push(context.Context) { *f.calls = append(*f.calls, "push") }

type fakeReporter struct {
	updates []status.Update
	calls   *[]string
}

func (f *fakeReporter) Report(_ context.Context, u status.Update) {
	f.updates = append(f.updates, u)
	if f.calls != nil {
		*f.calls = append(*f.calls, "report:"+string(u.Phase))
	}
}

type logStore struct {
	writes []string
}

func (s *logStore) Write(_ context.Context, _ string, content string, _ contentstore.Encoding) bool {
	s.writes = append(s.writes, content)
	return true
}

func (s *logStore) last() string {
	if len(s.writes) == 0 {
		return ""
	}
	return s.writes[len(s.writes)-1]
}

func terminalUpdates(updates []status.Update) []status.Update {
	var out []status.Update
	for _, u := range updates {
		if u.Phase.IsTerminal() {
			out = append(out, u)
		}
	}
	return out
}

func TestRunSuccess(t *testing.T) {
	workdir := t.TempDir()
	cost := 0.12
	var order []string
	eng := &fakeEngine{
		calls: &order,
		stream: &fakeStream{
			events: []engine.Event{
				engine.TextDelta{Text: "Working on it.\n"},
				engine.ToolUse{ID: "tu_1", Name: "bash", Input: map[string]any{"command": "ls"}},
				engine.ToolResult{ToolUseID: "tu_1", Content: "main.go", IsError: false},
				engine.TextDelta{Text: "All set.\n"},
			},
			result: &engine.Result{Text: "All set.", CostUSD: &cost, NumTurns: 2, StopReason: "end_turn"},
		},
	}
	store := &logStore{}
	msgs := messagelog.New(store, "sessions/s1/messages.json")
	sync := &fakeSync{calls: &order}
	rep := &fakeReporter{calls: &order}
	done := time.Date(2026, 8, 30, 15, 4, 5, 0, time.UTC)

	desc := NewDescriptor("s1", "proj", workdir, "sessions/s1/messages.json", "sessions/s1/workspace")
	c := NewCoordinator(desc, eng, msgs, sync, rep, WithClock(func() time.Time { return done }))

	require.NoError(t, c.Run(t.Context(), engine.Request{Prompt: "tidy the repo"}))

	// Lifecycle order: report running, sync in, run, sync out, terminal report.
	assert.Equal(t, []string{"report:Running", "pull", "engine", "push", "report:Completed"}, order)

	terminal := terminalUpdates(rep.updates)
	require.Len(t, terminal, 1)
	assert.Equal(t, status.PhaseCompleted, terminal[0].Phase)
	assert.Equal(t, "All set.", terminal[0].FinalOutput)
	require.NotNil(t, terminal[0].Cost)
	assert.Equal(t, cost, *terminal[0].Cost)
	require.NotNil(t, terminal[0].CompletionTime)
	assert.Equal(t, done, *terminal[0].CompletionTime)

	// The engine stream was mirrored into the message log.
	final := store.last()
	assert.Contains(t, final, "Starting model run")
	assert.Contains(t, final, "Working on it.")
	assert.Contains(t, final, `"tool_use_block"`)
	assert.Contains(t, final, "main.go")
	assert.Contains(t, final, "Model run completed")

	data, err := os.ReadFile(filepath.Join(workdir, "artifacts", "final-output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "All set.", string(data))
}

func TestRunFailureStillSyncsAndFlushes(t *testing.T) {
	var order []string
	eng := &fakeEngine{
		calls: &order,
		stream: &fakeStream{
			events: []engine.Event{engine.TextDelta{Text: "partial"}},
			err:    errors.New("rate limited"),
		},
	}
	store := &logStore{}
	msgs := messagelog.New(store, "sessions/s1/messages.json")
	sync := &fakeSync{calls: &order}
	rep := &fakeReporter{calls: &order}

	done := time.Date(2026, 8, 30, 16, 30, 0, 0, time.UTC)
	desc := NewDescriptor("s1", "proj", t.TempDir(), "sessions/s1/messages.json", "")
	c := NewCoordinator(desc, eng, msgs, sync, rep, WithClock(func() time.Time { return done }))

	err := c.Run(t.Context(), engine.Request{Prompt: "do work"})
	require.Error(t, err)

	// Sync-out and the final flush happen before the Failed report.
	assert.Equal(t, []string{"report:Running", "pull", "engine", "push", "report:Failed"}, order)

	terminal := terminalUpdates(rep.updates)
	require.Len(t, terminal, 1)
	assert.Equal(t, status.PhaseFailed, terminal[0].Phase)
	assert.Equal(t, "rate limited", terminal[0].Message)
	assert.Empty(t, terminal[0].FinalOutput)
	require.NotNil(t, terminal[0].CompletionTime)
	assert.Equal(t, done, *terminal[0].CompletionTime)

	final := store.last()
	assert.Contains(t, final, "partial")
	assert.Contains(t, final, "Model run failed")
}

func TestRunAppendsArtifactsPromptSuffix(t *testing.T) {
	eng := &fakeEngine{stream: &fakeStream{result: &engine.Result{Text: "ok"}}}
	var order []string
	desc := NewDescriptor("s1", "proj", t.TempDir(), "m.json", "")
	c := NewCoordinator(desc, eng, messagelog.New(&logStore{}, "m.json"), &fakeSync{calls: &order}, &fakeReporter{})

	require.NoError(t, c.Run(t.Context(), engine.Request{Prompt: "summarize the repo"}))

	assert.True(t, len(eng.req.Prompt) > len("summarize the repo"))
	assert.Contains(t, eng.req.Prompt, "summarize the repo")
	assert.Contains(t, eng.req.Prompt, "'artifacts' folder")
	assert.Equal(t, desc.Workdir, eng.req.Workdir)
}

func TestDescriptorArtifactsDir(t *testing.T) {
	d := NewDescriptor("s", "p", "/work", "m.json", "")
	assert.Equal(t, filepath.Join("/work", "artifacts"), d.ArtifactsDir())
	assert.NotEmpty(t, d.RunID)
}
