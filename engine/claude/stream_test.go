package claude

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambient-code/session-runner/engine"
	"github.com/ambient-code/session-runner/tools"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

// fakeMessages returns one scripted stream per NewStreaming call and records
// the request params it received.
type fakeMessages struct {
	scripts [][]ssestream.Event
	errs    []error
	params  []sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	call := len(f.params)
	f.params = append(f.params, body)
	var (
		events []ssestream.Event
		err    error
	)
	if call < len(f.scripts) {
		events = f.scripts[call]
	}
	if call < len(f.errs) {
		err = f.errs[call]
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events, err: err}, nil)
}

type fakeRunner struct {
	execs  []string
	output string
	isErr  bool
}

func (f *fakeRunner) Specs() []tools.Spec {
	return []tools.Spec{{
		Name:        "read_file",
		Description: "Read a file.",
		InputSchema: map[string]any{"type": "object"},
	}}
}

func (f *fakeRunner) Exec(_ context.Context, name string, input map[string]any) (string, bool) {
	f.execs = append(f.execs, name)
	return f.output, f.isErr
}

func ev(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func toolUseTurn() []ssestream.Event {
	return []ssestream.Event{
		ev("message_start", `{"type":"message_start","message":{"id":"m1"}}`),
		ev("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`),
		ev("content_block_stop", `{"type":"content_block_stop","index":0}`),
		ev("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"read_file"}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`),
		ev("content_block_stop", `{"type":"content_block_stop","index":1}`),
		ev("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":10,"output_tokens":5}}`),
		ev("message_stop", `{"type":"message_stop"}`),
	}
}

func finalTurn() []ssestream.Event {
	return []ssestream.Event{
		ev("message_start", `{"type":"message_start","message":{"id":"m2"}}`),
		ev("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Done."}}`),
		ev("content_block_stop", `{"type":"content_block_stop","index":0}`),
		ev("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":7,"output_tokens":3}}`),
		ev("message_stop", `{"type":"message_stop"}`),
	}
}

func drain(t *testing.T, s engine.Stream) []engine.Event {
	t.Helper()
	var events []engine.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestRunExecutesToolAndResumes(t *testing.T) {
	msg := &fakeMessages{scripts: [][]ssestream.Event{toolUseTurn(), finalTurn()}}
	runner := &fakeRunner{output: "file contents"}
	eng, err := New(msg, runner, Options{Model: "claude-sonnet-4-5", MaxTokens: 4096})
	require.NoError(t, err)

	s, err := eng.Run(t.Context(), engine.Request{Prompt: "check a.txt"})
	require.NoError(t, err)
	defer s.Close()

	events := drain(t, s)
	require.Len(t, events, 4)

	assert.Equal(t, engine.TextDelta{Text: "Let me check."}, events[0])
	use, ok := events[1].(engine.ToolUse)
	require.True(t, ok)
	assert.Equal(t, "tu_1", use.ID)
	assert.Equal(t, "read_file", use.Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, use.Input)
	res, ok := events[2].(engine.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "tu_1", res.ToolUseID)
	assert.Equal(t, "file contents", res.Content)
	assert.False(t, res.IsError)
	assert.Equal(t, engine.TextDelta{Text: "Done."}, events[3])

	assert.Equal(t, []string{"read_file"}, runner.execs)

	result, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, "Done.", result.Text)
	assert.Equal(t, 2, result.NumTurns)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 17, result.Usage.InputTokens)
	assert.Equal(t, 8, result.Usage.OutputTokens)
	assert.Nil(t, result.CostUSD)
}

func TestRunResumesWithToolResultInConversation(t *testing.T) {
	msg := &fakeMessages{scripts: [][]ssestream.Event{toolUseTurn(), finalTurn()}}
	eng, err := New(msg, &fakeRunner{output: "ok"}, Options{Model: "claude-sonnet-4-5", MaxTokens: 4096})
	require.NoError(t, err)

	s, err := eng.Run(t.Context(), engine.Request{Prompt: "check a.txt"})
	require.NoError(t, err)
	defer s.Close()
	drain(t, s)

	require.Len(t, msg.params, 2)
	assert.Len(t, msg.params[0].Messages, 1)
	// Resume request carries user prompt, assistant turn and tool results.
	assert.Len(t, msg.params[1].Messages, 3)
}

func TestRunComputesCost(t *testing.T) {
	msg := &fakeMessages{scripts: [][]ssestream.Event{finalTurn()}}
	eng, err := New(msg, &fakeRunner{}, Options{
		Model:           "claude-sonnet-4-5",
		MaxTokens:       4096,
		InputCostPer1M:  3,
		OutputCostPer1M: 15,
	})
	require.NoError(t, err)

	s, err := eng.Run(t.Context(), engine.Request{Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()
	drain(t, s)

	result, err := s.Result()
	require.NoError(t, err)
	require.NotNil(t, result.CostUSD)
	assert.InDelta(t, 7.0/1e6*3+3.0/1e6*15, *result.CostUSD, 1e-12)
}

func TestRunStopsAtTurnLimit(t *testing.T) {
	msg := &fakeMessages{scripts: [][]ssestream.Event{toolUseTurn(), toolUseTurn(), toolUseTurn()}}
	eng, err := New(msg, &fakeRunner{output: "ok"}, Options{Model: "claude-sonnet-4-5", MaxTokens: 4096})
	require.NoError(t, err)

	s, err := eng.Run(t.Context(), engine.Request{Prompt: "loop", MaxTurns: 2})
	require.NoError(t, err)
	defer s.Close()
	drain(t, s)

	result, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, result.NumTurns)
	assert.Equal(t, "max_turns", result.StopReason)
	assert.Len(t, msg.params, 2)
}

func TestRunStreamErrorSurfacesOnRecv(t *testing.T) {
	msg := &fakeMessages{errs: []error{errors.New("rate limited")}}
	eng, err := New(msg, &fakeRunner{}, Options{Model: "claude-sonnet-4-5", MaxTokens: 4096})
	require.NoError(t, err)

	s, err := eng.Run(t.Context(), engine.Request{Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	_, err = s.Result()
	require.Error(t, err)
}
