// ABOUTME: SSE endpoint that streams a conversation's log from a sequence id
// ABOUTME: Each broadcaster batch becomes one "batch" event; idle streams get pings

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/conversation"
	"github.com/2389/coven-sessions/internal/store"
)

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// handleStream handles GET /api/conversation/{id}/stream?after=N.
//
// The first event carries every message after N (possibly none) with the
// current conversation state; later events carry live messages or state
// changes. The stream ends when the client goes away, the conversation is
// deleted, or the server shuts down.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, ok := queryInt(r, "after")
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	batches, subID, err := g.service.Subscribe(ctx, id, after)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	logger := g.logger.With("conversation_id", id, "sub_id", subID)
	logger.Debug("stream opened", "after", after, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(g.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream closed by client")
			return

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case batch, ok := <-batches:
			if !ok {
				logger.Debug("stream ended by server")
				return
			}
			event, err := g.streamBatch(r, id, batch)
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			if err != nil {
				logger.Warn("building stream batch failed", "error", err)
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("failed to marshal SSE data", "error", err)
				return
			}
			if _, err := fmt.Fprint(w, formatSSEEvent(api.StreamEvent, string(data))); err != nil {
				return
			}
			flusher.Flush()
			ping.Reset(g.pingInterval)
		}
	}
}

// streamBatch decorates a broadcaster batch with the conversation state as
// of now, so every event is self-describing.
func (g *Gateway) streamBatch(r *http.Request, id string, batch *conversation.Batch) (*api.StreamBatch, error) {
	snap, err := g.service.Snapshot(r.Context(), id)
	if err != nil {
		return nil, err
	}
	msgs := batch.Messages
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return &api.StreamBatch{
		Messages:          msgs,
		Conversation:      api.FromConversation(snap.Conversation, snap.Working),
		AgentWorking:      snap.Working,
		ContextWindowSize: snap.ContextWindow,
		BuildFingerprint:  g.fingerprint,
	}, nil
}
