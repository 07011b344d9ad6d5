// ABOUTME: Coalesces messages into display turns with tool call status
// ABOUTME: Turn text renders to HTML with goldmark on demand

package reconcile

import (
	"bytes"
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/store"
)

// ToolStatus is the display state of one tool invocation.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolOK      ToolStatus = "ok"
	ToolError   ToolStatus = "error"
)

// ToolCall is an invocation joined with its result, wherever that landed.
type ToolCall struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Status ToolStatus
	Output string
}

// Turn is one unit of display: a user or error message, or a run of agent
// text followed by the tools it invoked.
type Turn struct {
	MessageID  string
	Sequence   int64
	Kind       content.Kind
	Text       string
	Tools      []ToolCall
	Optimistic bool
	CreatedAt  time.Time
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Turns coalesces the current messages into display turns.
func (s *State) Turns() []Turn {
	msgs := s.Messages()

	results := make(map[string]*content.ToolResult)
	for _, m := range msgs {
		for _, r := range content.Results(m.Content) {
			results[r.InvocationID] = r
		}
	}

	var turns []Turn
	for _, m := range msgs {
		switch m.Kind {
		case content.KindTool:
			// Results are attached to their invocations.
			continue
		case content.KindAgent:
			turns = append(turns, agentTurns(m, results)...)
		default:
			text := content.PlainText(m.Content)
			turns = append(turns, Turn{
				MessageID:  m.ID,
				Sequence:   m.SequenceID,
				Kind:       m.Kind,
				Text:       text,
				Optimistic: strings.HasPrefix(m.ID, OptimisticPrefix),
				CreatedAt:  m.CreatedAt,
			})
		}
	}
	return turns
}

// agentTurns splits one agent message: each text block opens a turn and the
// invocations right after it join that turn.
func agentTurns(m *store.Message, results map[string]*content.ToolResult) []Turn {
	var turns []Turn
	var cur *Turn

	flush := func() {
		if cur != nil {
			turns = append(turns, *cur)
			cur = nil
		}
	}
	open := func(text string) {
		flush()
		cur = &Turn{
			MessageID: m.ID,
			Sequence:  m.SequenceID,
			Kind:      m.Kind,
			Text:      text,
			CreatedAt: m.CreatedAt,
		}
	}

	for _, b := range m.Content {
		switch b.Type {
		case content.BlockText:
			open(b.Text)
		case content.BlockToolInvocation:
			if cur == nil {
				open("")
			}
			cur.Tools = append(cur.Tools, toolCall(b.Invocation, results[b.Invocation.ID]))
		}
	}
	flush()
	return turns
}

func toolCall(inv *content.ToolInvocation, res *content.ToolResult) ToolCall {
	call := ToolCall{
		ID:     inv.ID,
		Name:   inv.Name,
		Input:  inv.Input,
		Status: ToolRunning,
	}
	if res != nil {
		call.Status = ToolOK
		if res.IsError {
			call.Status = ToolError
		}
		call.Output = res.OutputText()
	}
	return call
}

// HTML renders the turn's markdown text. Raw HTML in the text is not passed
// through.
func (t *Turn) HTML() string {
	if t.Text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(t.Text), &buf); err != nil {
		return "<p>" + html.EscapeString(t.Text) + "</p>"
	}
	return buf.String()
}
