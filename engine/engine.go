// Package engine defines the boundary between the session runtime and the
// inference engine that produces the raw event stream. The runtime does not
// select models, tools, or permissions; it only consumes whatever the engine
// decides to emit, in order, one event at a time.
//
// Events form a closed tagged-variant set (TextDelta, ToolUse, ToolResult)
// so the aggregator can match exhaustively instead of inspecting runtime
// types. A stream terminates with io.EOF, after which the final Result
// (concatenated final text plus optional cost/usage metadata) is available.
package engine

import (
	"context"
	"time"
)

type (
	// Engine starts one inference run over the given request and returns the
	// stream of events it produces.
	Engine interface {
		Run(ctx context.Context, req Request) (Stream, error)
	}

	// Stream delivers inference events. Successive Recv calls return events
	// until io.EOF; implementations are driven from a single goroutine.
	// Result is valid only after Recv has returned io.EOF. The stream must be
	// closed by callers.
	Stream interface {
		// Recv returns the next event from the stream.
		Recv() (Event, error)
		// Result returns the final run outcome once the stream is exhausted.
		Result() (*Result, error)
		// Close releases any underlying resources.
		Close() error
	}

	// Request captures the inputs for one inference run.
	Request struct {
		// Prompt is the user task driving the run.
		Prompt string
		// System is the optional system prompt.
		System string
		// Workdir is the working directory tools execute in.
		Workdir string
		// MaxTurns caps the number of model round-trips. Zero means the
		// engine default.
		MaxTurns int
	}

	// Event is one element of the inference event stream. Implementations
	// are TextDelta, ToolUse, and ToolResult.
	Event interface {
		isEvent()
	}

	// TextDelta carries an incremental fragment of assistant text.
	TextDelta struct {
		Text string
	}

	// ToolUse announces one tool invocation decided by the model.
	ToolUse struct {
		ID    string
		Name  string
		Input any
	}

	// ToolResult reports the outcome of a prior ToolUse with the same id.
	ToolResult struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// Result is the terminal outcome of a run.
	Result struct {
		// Text is the engine's selected final output text.
		Text string
		// CostUSD is the total run cost when the engine can compute one.
		CostUSD *float64
		// Usage aggregates token counts across all turns.
		Usage TokenUsage
		// Duration is the wall-clock time of the run.
		Duration time.Duration
		// NumTurns counts model round-trips.
		NumTurns int
		// StopReason is the provider-reported reason the final turn ended.
		StopReason string
	}

	// TokenUsage records prompt and completion token counts when the
	// provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

func (TextDelta) isEvent()  {}
func (ToolUse) isEvent()    {}
func (ToolResult) isEvent() {}
