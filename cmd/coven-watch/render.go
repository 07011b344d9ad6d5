// ABOUTME: Incremental terminal renderer for reconcile snapshots
// ABOUTME: Prints each settled turn once and tool status changes as they land

package main

import (
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/reconcile"
)

type palette struct {
	user, agent, tool, fail, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		user:  color.New(color.FgBlue, color.Bold),
		agent: color.New(color.FgGreen),
		tool:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		dim:   color.New(color.FgHiBlack),
	}
	if !enabled {
		for _, c := range []*color.Color{p.user, p.agent, p.tool, p.fail, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

// renderer turns successive snapshots into append-only terminal output.
// Optimistic turns are never printed; the server's copy is.
type renderer struct {
	out     io.Writer
	display DisplayConfig
	colors  palette

	printed int
	tools   map[string]reconcile.ToolStatus
	status  reconcile.Status
	working bool
}

func newRenderer(out io.Writer, display DisplayConfig) *renderer {
	return &renderer{
		out:     out,
		display: display,
		colors:  newPalette(display.Color),
		tools:   make(map[string]reconcile.ToolStatus),
	}
}

func (r *renderer) update(s *reconcile.Snapshot) {
	if s.Status != r.status {
		r.status = s.Status
		switch {
		case s.Status == reconcile.StatusConnected:
			title := ""
			if s.Conversation != nil {
				title = " to " + s.Conversation.Slug
			}
			r.colors.dim.Fprintf(r.out, "-- connected%s --\n", title)
		case s.Err != nil:
			r.colors.dim.Fprintf(r.out, "-- %s: %v --\n", s.Status, s.Err)
		default:
			r.colors.dim.Fprintf(r.out, "-- %s --\n", s.Status)
		}
	}

	var settled []reconcile.Turn
	for _, t := range s.Turns {
		if !t.Optimistic {
			settled = append(settled, t)
		}
	}
	if len(settled) < r.printed {
		// The client reloaded from scratch.
		r.printed = len(settled)
	}

	if r.display.ShowTools {
		for _, t := range settled[:r.printed] {
			for _, call := range t.Tools {
				if r.tools[call.ID] != call.Status {
					r.printTool(call)
				}
			}
		}
	}
	for _, t := range settled[r.printed:] {
		r.printTurn(t)
	}
	r.printed = len(settled)

	if s.Working != r.working {
		r.working = s.Working
		if s.Working {
			r.colors.dim.Fprintln(r.out, "  ... working")
		}
	}
}

func (r *renderer) printTurn(t reconcile.Turn) {
	text := strings.TrimSpace(t.Text)
	switch t.Kind {
	case content.KindUser:
		r.colors.user.Fprint(r.out, "you> ")
		io.WriteString(r.out, text+"\n")
	case content.KindAgent:
		if text != "" {
			r.colors.agent.Fprint(r.out, "agent> ")
			io.WriteString(r.out, text+"\n")
		}
	case content.KindError:
		r.colors.fail.Fprintf(r.out, "error: %s\n", text)
	default:
		r.colors.dim.Fprintf(r.out, "[%s] %s\n", t.Kind, text)
	}

	if r.display.ShowTools {
		for _, call := range t.Tools {
			r.printTool(call)
		}
	}
}

func (r *renderer) printTool(call reconcile.ToolCall) {
	r.tools[call.ID] = call.Status
	switch call.Status {
	case reconcile.ToolRunning:
		r.colors.tool.Fprintf(r.out, "  [tool] %s %s\n", call.Name, string(call.Input))
	case reconcile.ToolOK:
		r.colors.tool.Fprintf(r.out, "  [done] %s\n", call.Name)
		r.printOutput(call.Output)
	case reconcile.ToolError:
		r.colors.fail.Fprintf(r.out, "  [fail] %s\n", call.Name)
		r.printOutput(call.Output)
	}
}

func (r *renderer) printOutput(output string) {
	if r.display.MaxOutput == 0 || output == "" {
		return
	}
	r.colors.dim.Fprintf(r.out, "         %s\n", truncate(strings.TrimSpace(output), r.display.MaxOutput))
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
