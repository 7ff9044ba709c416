package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ambient-code/session-runner/engine"
)

// runStream adapts the multi-turn agentic loop to the engine.Stream interface.
// The loop runs on an internal goroutine; Recv drains the buffered event
// channel until it is closed, then reports io.EOF or the terminal error.
type runStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	events chan engine.Event

	mu       sync.Mutex
	errSet   bool
	finalErr error
	result   *engine.Result
}

func newRunStream(ctx context.Context, e *Engine, req engine.Request) *runStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &runStream{
		ctx:    cctx,
		cancel: cancel,
		events: make(chan engine.Event, 32),
	}
	go e.run(cctx, s, req)
	return s
}

// Recv implements engine.Stream.
func (s *runStream) Recv() (engine.Event, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return nil, err
	}
}

// Result implements engine.Stream. It is valid only after Recv has returned
// io.EOF.
func (s *runStream) Result() (*engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	if s.result == nil {
		return nil, errors.New("run has not completed")
	}
	return s.result, nil
}

// Close implements engine.Stream.
func (s *runStream) Close() error {
	s.cancel()
	return nil
}

func (s *runStream) emit(ev engine.Event) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *runStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *runStream) setResult(res *engine.Result) {
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
}

func (s *runStream) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// run executes the agentic loop: stream one assistant turn, execute any tool
// calls it produced, append the results to the conversation and resume. The
// loop ends when the model stops for a reason other than tool_use or the turn
// limit is reached.
func (e *Engine) run(ctx context.Context, s *runStream, req engine.Request) {
	defer close(s.events)

	start := time.Now()
	base := e.baseParams(req)
	conversation := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
	limit := e.turnLimit(req)

	var (
		usage      engine.TokenUsage
		lastText   string
		stopReason string
		turns      int
	)
	for {
		if turns >= limit {
			stopReason = "max_turns"
			break
		}
		params := base
		params.Messages = conversation
		tr, err := e.streamTurn(ctx, s.emit, params)
		if err != nil {
			s.setErr(err)
			return
		}
		turns++
		usage.InputTokens += tr.usage.InputTokens
		usage.OutputTokens += tr.usage.OutputTokens
		stopReason = tr.stopReason
		if t := tr.text(); t != "" {
			lastText = t
		}

		calls := tr.calls()
		if stopReason != "tool_use" || len(calls) == 0 {
			break
		}
		conversation = append(conversation, tr.assistantMessage())
		results := make([]sdk.ContentBlockParamUnion, 0, len(calls))
		for _, call := range calls {
			input, _ := call.decoded.(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			content, isErr := e.runner.Exec(ctx, call.name, input)
			if err := s.emit(engine.ToolResult{ToolUseID: call.id, Content: content, IsError: isErr}); err != nil {
				s.setErr(err)
				return
			}
			results = append(results, sdk.NewToolResultBlock(call.id, content, isErr))
		}
		conversation = append(conversation, sdk.NewUserMessage(results...))
	}

	res := &engine.Result{
		Text:       lastText,
		Usage:      usage,
		Duration:   time.Since(start),
		NumTurns:   turns,
		StopReason: stopReason,
	}
	if e.inCost > 0 || e.outCost > 0 {
		cost := float64(usage.InputTokens)/1e6*e.inCost + float64(usage.OutputTokens)/1e6*e.outCost
		res.CostUSD = &cost
	}
	s.setResult(res)
}

// streamTurn issues a single Messages.NewStreaming request and replays its
// events through the turn processor until the stream is exhausted.
func (e *Engine) streamTurn(ctx context.Context, emit func(engine.Event) error, params sdk.MessageNewParams) (*turnResult, error) {
	stream := e.msg.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	p := newTurnProcessor(emit)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !stream.Next() {
			break
		}
		if err := p.Handle(stream.Current()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.result(), nil
}

type (
	// turnProcessor converts Anthropic streaming events from one assistant turn
	// into engine events and records the completed content blocks so the turn
	// can be re-encoded for the next request.
	turnProcessor struct {
		emit func(engine.Event) error

		blocks     map[int]*blockBuffer
		done       []completedBlock
		usage      engine.TokenUsage
		stopReason string
	}

	// blockBuffer accumulates one in-flight content block.
	blockBuffer struct {
		tool      bool
		id        string
		name      string
		text      strings.Builder
		fragments []string
	}

	// completedBlock is a finalized content block in stream order.
	completedBlock struct {
		index   int
		tool    bool
		text    string
		id      string
		name    string
		input   json.RawMessage
		decoded any
	}

	turnResult struct {
		blocks     []completedBlock
		usage      engine.TokenUsage
		stopReason string
	}
)

func newTurnProcessor(emit func(engine.Event) error) *turnProcessor {
	return &turnProcessor{
		emit:   emit,
		blocks: make(map[int]*blockBuffer),
	}
}

func (p *turnProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.blocks = make(map[int]*blockBuffer)
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			p.blocks[idx] = &blockBuffer{tool: true, id: toolUse.ID, name: toolUse.Name}
			return nil
		}
		p.blocks[idx] = &blockBuffer{}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			bb := p.blocks[idx]
			if bb == nil {
				bb = &blockBuffer{}
				p.blocks[idx] = bb
			}
			bb.text.WriteString(delta.Text)
			return p.emit(engine.TextDelta{Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if bb := p.blocks[idx]; bb != nil && bb.tool {
				bb.fragments = append(bb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			// Thinking and signature deltas are not surfaced to the session log.
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		bb := p.blocks[idx]
		if bb == nil {
			return nil
		}
		delete(p.blocks, idx)
		if !bb.tool {
			if s := bb.text.String(); s != "" {
				p.done = append(p.done, completedBlock{index: idx, text: s})
			}
			return nil
		}
		raw := finalInput(bb.fragments)
		cb := completedBlock{
			index:   idx,
			tool:    true,
			id:      bb.id,
			name:    bb.name,
			input:   json.RawMessage(raw),
			decoded: decodeInput(raw),
		}
		p.done = append(p.done, cb)
		return p.emit(engine.ToolUse{ID: cb.id, Name: cb.name, Input: cb.decoded})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage.InputTokens += int(ev.Usage.InputTokens)
		p.usage.OutputTokens += int(ev.Usage.OutputTokens)
		return nil
	case sdk.MessageStopEvent:
		return nil
	}
	return nil
}

func (p *turnProcessor) result() *turnResult {
	sort.SliceStable(p.done, func(i, j int) bool { return p.done[i].index < p.done[j].index })
	return &turnResult{blocks: p.done, usage: p.usage, stopReason: p.stopReason}
}

func (tr *turnResult) text() string {
	var b strings.Builder
	for _, cb := range tr.blocks {
		if !cb.tool {
			b.WriteString(cb.text)
		}
	}
	return b.String()
}

func (tr *turnResult) calls() []completedBlock {
	var out []completedBlock
	for _, cb := range tr.blocks {
		if cb.tool {
			out = append(out, cb)
		}
	}
	return out
}

// assistantMessage re-encodes the completed turn for the continuation request.
func (tr *turnResult) assistantMessage() sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(tr.blocks))
	for _, cb := range tr.blocks {
		if cb.tool {
			blocks = append(blocks, sdk.NewToolUseBlock(cb.id, cb.input, cb.name))
			continue
		}
		blocks = append(blocks, sdk.NewTextBlock(cb.text))
	}
	return sdk.NewAssistantMessage(blocks...)
}

func finalInput(fragments []string) string {
	if len(fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func decodeInput(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
