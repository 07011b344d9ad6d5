// ABOUTME: Tests for the HTML transcript export
// ABOUTME: Markdown is rendered while tool payloads and raw HTML stay escaped

package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/reconcile"
	"github.com/2389/coven-sessions/internal/store"
)

func TestWriteTranscript(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := reconcile.NewState()
	state.Apply(&api.StreamBatch{Messages: []*store.Message{
		{ID: "m1", SequenceID: 1, Kind: content.KindUser, CreatedAt: now,
			Content: []content.Block{content.Text("show me <script>")}},
		{ID: "m2", SequenceID: 2, Kind: content.KindAgent, CreatedAt: now,
			Content: []content.Block{
				content.Text("Listing **files**."),
				content.Invocation("t1", "bash", json.RawMessage(`{"command":"ls"}`)),
			}},
		{ID: "m3", SequenceID: 3, Kind: content.KindTool, CreatedAt: now,
			Content: []content.Block{content.Result(content.ToolResult{
				InvocationID: "t1", Output: json.RawMessage(`"<b>a.txt</b>"`), StartedAt: now, EndedAt: now,
			})}},
	}})

	var buf bytes.Buffer
	conv := &api.Conversation{Slug: "list-files", Model: "predictable"}
	require.NoError(t, writeTranscript(&buf, conv, state.Turns(), now))

	out := buf.String()
	assert.Contains(t, out, "<title>list-files</title>")
	assert.Contains(t, out, "<strong>files</strong>")
	assert.Contains(t, out, "bash (ok)")
	assert.Contains(t, out, "&lt;b&gt;a.txt&lt;/b&gt;")
	assert.NotContains(t, out, "<script>")
	assert.NotContains(t, out, "<b>a.txt</b>")
}
