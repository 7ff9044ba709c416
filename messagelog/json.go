// JSON encoding for log entries. Messages serialize to the wire shape
// observers consume: a "type" discriminator plus a "content" payload that is
// either a plain string (system breadcrumbs) or an ordered list of typed
// blocks.
package messagelog

import "encoding/json"

// MarshalJSON encodes the message with its content as either a plain string
// or a block list, never both.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Blocks == nil {
		return json.Marshal(struct {
			Type    MessageType `json:"type"`
			Content string      `json:"content"`
		}{
			Type:    m.Type,
			Content: m.Text,
		})
	}
	return json.Marshal(struct {
		Type    MessageType `json:"type"`
		Content []Block     `json:"content"`
	}{
		Type:    m.Type,
		Content: m.Blocks,
	})
}

// MarshalJSON encodes TextBlock with a type discriminator so observers can
// distinguish block kinds without structural sniffing.
func (b *TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{
		Type: "text_block",
		Text: b.Text,
	})
}

// MarshalJSON encodes ToolUseBlock. The result fields appear only once the
// block has been resolved by a paired tool result.
func (b *ToolUseBlock) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type    string  `json:"type"`
		ID      string  `json:"id"`
		Name    string  `json:"name"`
		Input   any     `json:"input,omitempty"`
		Content *string `json:"content,omitempty"`
		IsError *bool   `json:"is_error,omitempty"`
	}
	w := wire{
		Type:  "tool_use_block",
		ID:    b.ID,
		Name:  b.Name,
		Input: b.Input,
	}
	if b.Resolved {
		w.Content = &b.Result
		w.IsError = &b.IsError
	}
	return json.Marshal(w)
}

// MarshalJSON encodes ToolResultBlock with a type discriminator.
func (b *ToolResultBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error"`
	}{
		Type:      "tool_result_block",
		ToolUseID: b.ToolUseID,
		Content:   b.Content,
		IsError:   b.IsError,
	})
}
