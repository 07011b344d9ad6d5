// ABOUTME: Content block tagged union carried in every message payload
// ABOUTME: Text, tool invocation and tool result, with strict JSON decoding

package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBlockType is returned when a block carries a type tag this build
// does not understand.
var ErrUnknownBlockType = errors.New("unknown content block type")

// BlockType tags the variant stored in a Block.
type BlockType string

const (
	BlockText           BlockType = "text"
	BlockToolInvocation BlockType = "tool_invocation"
	BlockToolResult     BlockType = "tool_result"
)

// ToolInvocation is a request from the agent to run a tool.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult resolves the ToolInvocation with the same InvocationID.
type ToolResult struct {
	InvocationID string          `json:"invocation_id"`
	IsError      bool            `json:"is_error"`
	Output       json.RawMessage `json:"output,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
}

// Block is one unit of message payload. Exactly one of Text, Invocation or
// Result is meaningful, selected by Type.
type Block struct {
	Type       BlockType
	Text       string
	Invocation *ToolInvocation
	Result     *ToolResult
}

// Text builds a text block.
func Text(s string) Block {
	return Block{Type: BlockText, Text: s}
}

// Invocation builds a tool invocation block.
func Invocation(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolInvocation, Invocation: &ToolInvocation{ID: id, Name: name, Input: input}}
}

// Result builds a tool result block.
func Result(r ToolResult) Block {
	return Block{Type: BlockToolResult, Result: &r}
}

// ErrorResult builds an error-flagged tool result whose output is a JSON string.
func ErrorResult(invocationID, text string, at time.Time) Block {
	out, _ := json.Marshal(text)
	return Result(ToolResult{
		InvocationID: invocationID,
		IsError:      true,
		Output:       out,
		StartedAt:    at,
		EndedAt:      at,
	})
}

// OutputText returns the result output as plain text when it is a JSON string,
// otherwise the raw JSON.
func (r *ToolResult) OutputText() string {
	if r == nil || len(r.Output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	return string(r.Output)
}

type wireBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	InvocationID string          `json:"invocation_id,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// MarshalJSON flattens the variant into a single object with a "type" tag.
func (b Block) MarshalJSON() ([]byte, error) {
	w := wireBlock{Type: b.Type}
	switch b.Type {
	case BlockText:
		w.Text = b.Text
	case BlockToolInvocation:
		if b.Invocation == nil {
			return nil, fmt.Errorf("tool_invocation block without invocation")
		}
		w.ID = b.Invocation.ID
		w.Name = b.Invocation.Name
		w.Input = b.Invocation.Input
	case BlockToolResult:
		if b.Result == nil {
			return nil, fmt.Errorf("tool_result block without result")
		}
		w.InvocationID = b.Result.InvocationID
		w.IsError = b.Result.IsError
		w.Output = b.Result.Output
		w.StartedAt = &b.Result.StartedAt
		w.EndedAt = &b.Result.EndedAt
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockType, b.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a tagged block and rejects unknown tags.
func (b *Block) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Type {
	case BlockText:
		*b = Text(w.Text)
	case BlockToolInvocation:
		if w.ID == "" {
			return fmt.Errorf("tool_invocation missing id")
		}
		*b = Invocation(w.ID, w.Name, compact(w.Input))
	case BlockToolResult:
		if w.InvocationID == "" {
			return fmt.Errorf("tool_result missing invocation_id")
		}
		r := ToolResult{
			InvocationID: w.InvocationID,
			IsError:      w.IsError,
			Output:       compact(w.Output),
		}
		if w.StartedAt != nil {
			r.StartedAt = *w.StartedAt
		}
		if w.EndedAt != nil {
			r.EndedAt = *w.EndedAt
		}
		*b = Result(r)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBlockType, w.Type)
	}
	return nil
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Invocations returns the tool invocations in blocks, in order.
func Invocations(blocks []Block) []*ToolInvocation {
	var out []*ToolInvocation
	for _, b := range blocks {
		if b.Type == BlockToolInvocation && b.Invocation != nil {
			out = append(out, b.Invocation)
		}
	}
	return out
}

// Results returns the tool results in blocks, in order.
func Results(blocks []Block) []*ToolResult {
	var out []*ToolResult
	for _, b := range blocks {
		if b.Type == BlockToolResult && b.Result != nil {
			out = append(out, b.Result)
		}
	}
	return out
}

// PlainText joins every text block with newlines.
func PlainText(blocks []Block) string {
	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.Text)
	}
	return buf.String()
}
