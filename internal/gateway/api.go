// ABOUTME: HTTP API handlers for listing, creating and driving conversations
// ABOUTME: Maps engine errors onto status codes and makes chat retries idempotent

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/conversation"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations/new", g.handleNewConversation)
	mux.HandleFunc("GET /api/conversation/{id}", g.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversation/{id}", g.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversation/{id}/stream", g.handleStream)
	mux.HandleFunc("POST /api/conversation/{id}/chat", g.handleChat)
	mux.HandleFunc("POST /api/conversation/{id}/cancel", g.handleCancel)
	mux.HandleFunc("POST /api/conversation/{id}/archive", g.handleArchive)
	mux.HandleFunc("POST /api/conversation/{id}/unarchive", g.handleUnarchive)
	mux.HandleFunc("POST /api/conversation/{id}/rename", g.handleRename)
}

// writeJSON writes v with status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, api.ErrorResponse{Error: message})
}

// sendError maps an engine error to its HTTP status. Unexpected errors are
// logged and reported generically.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrAgentWorking):
		g.sendJSONError(w, http.StatusConflict, conversation.ErrAgentWorking.Error())
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrEmptySlug),
		errors.Is(err, runner.ErrUnknownModel),
		errors.Is(err, store.ErrInvalidMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrRegistryClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody parses a JSON body into v, answering 400 itself on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handleListConversations handles GET /api/conversations?archived=&limit=&offset=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var p store.ListParams
	if raw := r.URL.Query().Get("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "archived must be a boolean")
			return
		}
		p.Archived = archived
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	p.Limit, p.Offset = int(limit), int(offset)

	convs, err := g.service.List(r.Context(), p)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := api.ListResponse{Conversations: make([]*api.Conversation, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, api.FromConversation(c, g.service.IsWorking(c)))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleNewConversation handles POST /api/conversations/new.
func (g *Gateway) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	var req api.NewConversationRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	conv, msg, err := g.service.NewConversation(r.Context(), conversation.NewConversationRequest{
		Message: req.Message,
		Model:   req.Model,
		Cwd:     req.Cwd,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, api.NewConversationResponse{
		Conversation: api.FromConversation(conv, g.service.IsWorking(conv)),
		SequenceID:   msg.SequenceID,
	})
}

// handleGetConversation handles GET /api/conversation/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := g.service.Snapshot(r.Context(), id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	msgs, err := g.service.Messages(r.Context(), id, 0)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}

	g.writeJSON(w, http.StatusOK, api.ConversationResponse{
		Conversation:      api.FromConversation(snap.Conversation, snap.Working),
		Messages:          msgs,
		AgentWorking:      snap.Working,
		ContextWindowSize: snap.ContextWindow,
	})
}

// handleChat handles POST /api/conversation/{id}/chat. A request_id that was
// already answered gets the original response back without a second send.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.ChatRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	key := ""
	if req.RequestID != "" {
		key = id + "/" + req.RequestID
		if resp, ok := g.requests.Get(key); ok {
			g.writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	if ok, wait := g.limiters.allow(id); !ok {
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
		}
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	send := func() (*api.ChatResponse, error) {
		msg, err := g.service.Send(r.Context(), id, conversation.SendRequest{
			Text:        req.Message,
			Model:       req.Model,
			CancelFirst: req.CancelFirst,
		})
		if err != nil {
			return nil, err
		}
		return &api.ChatResponse{MessageID: msg.ID, SequenceID: msg.SequenceID}, nil
	}

	var (
		resp *api.ChatResponse
		err  error
	)
	if key == "" {
		resp, err = send()
	} else {
		var replayed bool
		resp, replayed, err = g.requests.Do(key, send)
		if replayed {
			g.logger.Debug("chat request replayed", "conversation_id", id, "request_id", req.RequestID)
		}
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /api/conversation/{id}/cancel.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := g.service.Cancel(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := g.service.Archive(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	if err := g.service.Unarchive(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRename handles POST /api/conversation/{id}/rename. The slug actually
// assigned may carry a numeric suffix.
func (g *Gateway) handleRename(w http.ResponseWriter, r *http.Request) {
	var req api.RenameRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	slug, err := g.service.Rename(r.Context(), r.PathValue("id"), req.Slug)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, api.RenameResponse{Slug: slug})
}

// handleDeleteConversation handles DELETE /api/conversation/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.service.Delete(r.Context(), id); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.limiters.remove(id)
	w.WriteHeader(http.StatusNoContent)
}
