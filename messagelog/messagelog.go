// Package messagelog maintains the session's persisted conversation log. It
// consumes the live inference event stream and turns it into an ordered,
// append-only sequence of messages that an external observer can follow by
// polling the remote content store.
//
// The log applies three policies on top of raw events:
//
//   - Coalescing: consecutive text deltas grow a single open text block
//     instead of producing one message per token, keeping the persisted log
//     compact and the remote writer load bounded.
//   - Pairing: a tool result is unified into the message that carries the
//     tool use with the same id when an unfilled match exists (searched
//     most-recent-first); otherwise it becomes a standalone message. A
//     pairing is attempted at most once and is final.
//   - Flushing: tool events flush immediately; text deltas flush
//     opportunistically when a delta carries a newline or enough text has
//     accumulated, so the observer's view stays reasonably live without a
//     write per token.
//
// Aggregation never fails past its boundary: payloads that cannot be
// serialized are replaced with sentinel text, and a failed flush leaves the
// in-memory log intact so the next flush retries with the full grown log.
package messagelog

import (
	"context"
	"encoding/json"
	"strings"

	"goa.design/clue/log"

	"github.com/ambient-code/session-runner/contentstore"
	"github.com/ambient-code/session-runner/telemetry"
)

type (
	// Block is one content fragment of a message. Implementations are
	// TextBlock, ToolUseBlock, and ToolResultBlock.
	Block interface {
		isBlock()
	}

	// TextBlock accumulates assistant text. The last text block of the most
	// recent message stays open: later deltas append to it until a tool block
	// starts a new message.
	TextBlock struct {
		Text string
	}

	// ToolUseBlock records one tool invocation. When the matching tool result
	// arrives it is unified into this block: Result and IsError are set and
	// the block is marked resolved.
	ToolUseBlock struct {
		ID    string
		Name  string
		Input any

		// Result and IsError carry the unified tool result once resolved.
		Result   string
		IsError  bool
		Resolved bool
	}

	// ToolResultBlock is a standalone tool result whose tool use id matched
	// no prior unfilled invocation.
	ToolResultBlock struct {
		ToolUseID string
		Content   string
		IsError   bool
	}

	// Message is one entry of the persisted log. Either Text or Blocks is
	// set, never both: system breadcrumbs carry plain text, assistant entries
	// carry blocks.
	Message struct {
		Type   MessageType
		Text   string
		Blocks []Block
	}

	// MessageType discriminates log entries.
	MessageType string

	// Store is the subset of the content store client used for persistence.
	Store interface {
		Write(ctx context.Context, path, content string, enc contentstore.Encoding) bool
	}

	// Option configures a Log.
	Option func(*Log)

	// Log is the in-memory message log. It has a single writer (the session's
	// event consumption loop) and requires no locking.
	Log struct {
		store Store
		path  string
		insts *telemetry.Instruments

		messages []*Message
		// pending counts text delta bytes accumulated since the last flush
		// attempt. It only decides whether to emit now or wait for a trigger.
		pending int
	}
)

// Log entry types.
const (
	TypeSystem    MessageType = "system_message"
	TypeAssistant MessageType = "assistant_message"
)

// Aggregation policy constants. The truncation marker text matches what
// observers of earlier runner generations already parse.
const (
	maxToolResultChars = 5000
	truncationMarker   = "\n\n[Content truncated - full content available in logs]"
	flushTextThreshold = 32

	sentinelToolInput  = "<unserializable tool input>"
	sentinelToolResult = "<unserializable tool result>"
)

func (*TextBlock) isBlock()       {}
func (*ToolUseBlock) isBlock()    {}
func (*ToolResultBlock) isBlock() {}

// WithTelemetry records flush and tool call metrics on the given instruments.
func WithTelemetry(in *telemetry.Instruments) Option {
	return func(l *Log) {
		l.insts = in
	}
}

// New constructs an empty log persisted at path via store.
func New(store Store, path string, opts ...Option) *Log {
	l := &Log{
		store:    store,
		path:     path,
		messages: make([]*Message, 0, 16),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AppendStatus appends a standalone system message used for coarse lifecycle
// breadcrumbs ("Starting model run", "Model run completed"). It does not
// flush; callers flush around breadcrumbs explicitly.
func (l *Log) AppendStatus(text string) {
	l.messages = append(l.messages, &Message{Type: TypeSystem, Text: text})
}

// AppendTextDelta folds a text delta into the log. When the most recent entry
// is an assistant message whose last block is an open text block, the delta
// extends that block; otherwise a new assistant message with a fresh text
// block is opened. A delta containing a newline, or enough accumulated text
// since the last flush, triggers an opportunistic flush.
func (l *Log) AppendTextDelta(ctx context.Context, delta string) {
	if delta == "" {
		return
	}
	if tb := l.openTextBlock(); tb != nil {
		tb.Text += delta
	} else {
		l.messages = append(l.messages, &Message{
			Type:   TypeAssistant,
			Blocks: []Block{&TextBlock{Text: delta}},
		})
	}
	l.pending += len(delta)
	if strings.Contains(delta, "\n") || l.pending >= flushTextThreshold {
		l.Flush(ctx)
	}
}

// AppendToolUse appends a new assistant message carrying a tool use block and
// flushes immediately: tool invocations are checkpoints an observer must see
// promptly.
func (l *Log) AppendToolUse(ctx context.Context, id, name string, input any) {
	l.messages = append(l.messages, &Message{
		Type:   TypeAssistant,
		Blocks: []Block{&ToolUseBlock{ID: id, Name: name, Input: sanitize(input, sentinelToolInput)}},
	})
	l.insts.RecordToolCall(ctx, name)
	l.Flush(ctx)
}

// AppendToolResult pairs a tool result with the most recent unfilled tool use
// carrying the same id, mutating that message in place. When no unambiguous
// match exists the result becomes a standalone message. Content beyond the
// size cap is truncated with an explicit marker. The pairing attempt happens
// exactly once; a non-match is final. Flushes immediately.
func (l *Log) AppendToolResult(ctx context.Context, toolUseID string, content any, isError bool) {
	text := truncateResult(stringifyResult(content))
	if tb := l.findUnfilledToolUse(toolUseID); tb != nil {
		tb.Result = text
		tb.IsError = isError
		tb.Resolved = true
	} else {
		l.messages = append(l.messages, &Message{
			Type:   TypeAssistant,
			Blocks: []Block{&ToolResultBlock{ToolUseID: toolUseID, Content: text, IsError: isError}},
		})
	}
	l.Flush(ctx)
}

// Flush serializes the entire log and writes it to the message store path.
// A failed write leaves the in-memory log unchanged; the next flush retries
// with the full accumulated log. Returns whether the write succeeded.
func (l *Log) Flush(ctx context.Context) bool {
	l.pending = 0
	data, err := json.Marshal(l.messages)
	if err != nil {
		// Cannot happen for sanitized payloads; guard anyway.
		log.Errorf(ctx, err, "message log serialization failed")
		l.insts.RecordFlush(ctx, false)
		return false
	}
	ok := l.store.Write(ctx, l.path, string(data), contentstore.EncodingUTF8)
	if !ok {
		log.Warnf(ctx, "message log flush failed, retaining %d messages", len(l.messages))
	}
	l.insts.RecordFlush(ctx, ok)
	return ok
}

// Len reports the number of log entries.
func (l *Log) Len() int {
	return len(l.messages)
}

// Messages returns the log entries in arrival order. The returned slice is a
// copy; the entries themselves are shared and must not be mutated by callers.
func (l *Log) Messages() []*Message {
	out := make([]*Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// openTextBlock returns the trailing text block of the most recent assistant
// message, or nil when the log is empty or the last entry ends in a tool
// block or breadcrumb.
func (l *Log) openTextBlock() *TextBlock {
	if len(l.messages) == 0 {
		return nil
	}
	last := l.messages[len(l.messages)-1]
	if last.Type != TypeAssistant || len(last.Blocks) == 0 {
		return nil
	}
	tb, ok := last.Blocks[len(last.Blocks)-1].(*TextBlock)
	if !ok {
		return nil
	}
	return tb
}

// findUnfilledToolUse searches most-recent-first for a tool use block with
// the given id that has not yet received a result. First match wins.
func (l *Log) findUnfilledToolUse(id string) *ToolUseBlock {
	for i := len(l.messages) - 1; i >= 0; i-- {
		for _, b := range l.messages[i].Blocks {
			tb, ok := b.(*ToolUseBlock)
			if !ok {
				continue
			}
			if tb.ID == id && !tb.Resolved {
				return tb
			}
		}
	}
	return nil
}

// sanitize returns v when it is JSON-serializable and the sentinel otherwise,
// so a bad payload degrades to placeholder text instead of poisoning every
// subsequent flush.
func sanitize(v any, sentinel string) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return sentinel
	}
	return v
}

// truncateResult caps a tool result at maxToolResultChars characters. The cap
// counts runes, not bytes, so the cut never splits a multibyte sequence and
// the truncated text stays valid UTF-8.
func truncateResult(text string) string {
	count := 0
	for i := range text {
		if count == maxToolResultChars {
			return text[:i] + truncationMarker
		}
		count++
	}
	return text
}

// stringifyResult renders a tool result payload as text the way observers
// expect: strings pass through, bytes decode, anything else is JSON-encoded,
// and unserializable values degrade to the sentinel.
func stringifyResult(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return sentinelToolResult
		}
		return string(data)
	}
}
