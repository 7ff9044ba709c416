// Package claude provides an engine.Engine implementation backed by the
// Anthropic Claude Messages API. It drives the full agentic loop: it streams
// assistant turns using github.com/anthropics/anthropic-sdk-go, executes tool
// calls through a tools.Runner, feeds results back as tool_result blocks and
// resumes until the model stops for a reason other than tool use.
package claude

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ambient-code/session-runner/engine"
	"github.com/ambient-code/session-runner/tools"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// engine. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Claude engine.
	Options struct {
		// Model is the Claude model identifier. Use the typed constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in the
		// Anthropic model reference.
		Model string

		// MaxTokens caps completion length per turn. Required.
		MaxTokens int

		// Temperature is applied to every turn when positive.
		Temperature float64

		// MaxTurns bounds the agentic loop when engine.Request.MaxTurns is zero.
		// When both are zero the engine falls back to a conservative default.
		MaxTurns int

		// InputCostPer1M and OutputCostPer1M are USD prices per million tokens.
		// When either is positive the engine reports a total cost in the run
		// result; when both are zero cost reporting is disabled.
		InputCostPer1M  float64
		OutputCostPer1M float64
	}

	// Engine implements engine.Engine on top of Anthropic Claude Messages.
	Engine struct {
		msg      MessagesClient
		runner   tools.Runner
		model    string
		maxTok   int
		temp     float64
		maxTurns int
		inCost   float64
		outCost  float64
	}
)

const defaultMaxTurns = 50

// New builds a Claude engine from the provided Anthropic Messages client, tool
// runner and options.
func New(msg MessagesClient, runner tools.Runner, opts Options) (*Engine, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if runner == nil {
		return nil, errors.New("tool runner is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Engine{
		msg:      msg,
		runner:   runner,
		model:    opts.Model,
		maxTok:   opts.MaxTokens,
		temp:     opts.Temperature,
		maxTurns: maxTurns,
		inCost:   opts.InputCostPer1M,
		outCost:  opts.OutputCostPer1M,
	}, nil
}

// NewFromAPIKey constructs an engine using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, runner tools.Runner, opts Options) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, runner, opts)
}

// Run implements engine.Engine. It returns immediately; the agentic loop runs
// on an internal goroutine feeding the returned stream.
func (e *Engine) Run(ctx context.Context, req engine.Request) (engine.Stream, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	return newRunStream(ctx, e, req), nil
}

func (e *Engine) baseParams(req engine.Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		MaxTokens: int64(e.maxTok),
		Model:     sdk.Model(e.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if specs := e.runner.Specs(); len(specs) > 0 {
		params.Tools = encodeTools(specs)
	}
	if e.temp > 0 {
		params.Temperature = sdk.Float(e.temp)
	}
	return params
}

func (e *Engine) turnLimit(req engine.Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	return e.maxTurns
}

func encodeTools(specs []tools.Spec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, sp := range specs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: sp.InputSchema}, sp.Name)
		if u.OfTool != nil && sp.Description != "" {
			u.OfTool.Description = sdk.String(sp.Description)
		}
		out = append(out, u)
	}
	return out
}
