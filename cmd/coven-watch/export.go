// ABOUTME: Writes a conversation transcript as a standalone HTML page
// ABOUTME: Turn text is rendered from markdown; tool calls are listed under the turn that made them

package main

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"time"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/reconcile"
)

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Slug}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; line-height: 1.5; }
.turn { border-top: 1px solid #ddd; padding: 0.5rem 0; }
.meta { color: #888; font-size: 0.8rem; }
.user .body { background: #f3f6fb; padding: 0.25rem 0.75rem; border-radius: 4px; }
.error .body { color: #b00020; }
pre { background: #f6f6f6; padding: 0.5rem; overflow-x: auto; }
.tool-error { color: #b00020; }
</style>
</head>
<body>
<h1>{{.Slug}}</h1>
<p class="meta">{{.Model}} &middot; exported {{.Exported}}</p>
{{range .Turns}}<div class="turn {{.Kind}}">
<div class="meta">{{.Kind}} &middot; #{{.Sequence}} &middot; {{.When}}</div>
<div class="body">{{.Body}}</div>
{{range .Tools}}<details{{if eq .Status "error"}} class="tool-error"{{end}}>
<summary>{{.Name}} ({{.Status}})</summary>
<pre>{{.Input}}</pre>
{{if .Output}}<pre>{{.Output}}</pre>{{end}}
</details>
{{end}}</div>
{{end}}</body>
</html>
`))

type transcriptTool struct {
	Name   string
	Status reconcile.ToolStatus
	Input  string
	Output string
}

type transcriptTurn struct {
	Kind     string
	Sequence int64
	When     string
	Body     template.HTML
	Tools    []transcriptTool
}

// exportConversation fetches the full log of ref and writes it to path.
func exportConversation(ctx context.Context, src *reconcile.HTTPSource, ref, path string) error {
	conv, err := resolve(ctx, src, ref)
	if err != nil {
		return err
	}
	resp, err := src.Conversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("fetching conversation: %w", err)
	}

	state := reconcile.NewState()
	state.Apply(&api.StreamBatch{
		Messages:          resp.Messages,
		Conversation:      resp.Conversation,
		AgentWorking:      resp.AgentWorking,
		ContextWindowSize: resp.ContextWindowSize,
	})

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := writeTranscript(f, resp.Conversation, state.Turns(), time.Now()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %d messages to %s\n", len(resp.Messages), path)
	return nil
}

func writeTranscript(w io.Writer, conv *api.Conversation, turns []reconcile.Turn, now time.Time) error {
	data := struct {
		Slug     string
		Model    string
		Exported string
		Turns    []transcriptTurn
	}{
		Slug:     conv.Slug,
		Model:    conv.Model,
		Exported: now.Format(time.RFC1123),
	}

	for i := range turns {
		t := &turns[i]
		out := transcriptTurn{
			Kind:     string(t.Kind),
			Sequence: t.Sequence,
			When:     t.CreatedAt.Format(time.RFC3339),
			// goldmark escapes raw HTML in the source text.
			Body: template.HTML(t.HTML()),
		}
		for _, tc := range t.Tools {
			out.Tools = append(out.Tools, transcriptTool{
				Name:   tc.Name,
				Status: tc.Status,
				Input:  string(tc.Input),
				Output: tc.Output,
			})
		}
		data.Turns = append(data.Turns, out)
	}

	if err := transcriptTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("rendering transcript: %w", err)
	}
	return nil
}
