// ABOUTME: Agent Runner contract: given a transcript, stream back messages
// ABOUTME: Event types, request shape and the model registry used by managers

package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/store"
)

// ErrUnknownModel indicates no runner is registered for the requested model.
var ErrUnknownModel = errors.New("unknown model")

// EventType identifies the kind of event a runner emits.
type EventType int

const (
	// EventMessage carries one complete message to append to the log.
	EventMessage EventType = iota
	// EventDone ends the turn successfully.
	EventDone
	// EventError ends the turn with a failure.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Terminal reports whether no further events follow t.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one step of a run.
type Event struct {
	Type    EventType
	Kind    content.Kind
	Content []content.Block
	Usage   *content.Usage
	Error   string
}

// Turn is one transcript entry handed to the runner.
type Turn struct {
	Kind    content.Kind    `json:"kind"`
	Content []content.Block `json:"content"`
}

// Request asks a runner to continue a conversation.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Cwd            string `json:"cwd"`
	Transcript     []Turn `json:"transcript"`
}

// TranscriptFrom converts log messages into runner turns.
func TranscriptFrom(messages []*store.Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, Turn{Kind: m.Kind, Content: m.Content})
	}
	return turns
}

// LastUserText returns the text of the most recent user turn.
func (r *Request) LastUserText() string {
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Kind == content.KindUser {
			return content.PlainText(r.Transcript[i].Content)
		}
	}
	return ""
}

// Runner produces the agent side of a conversation.
//
// Run returns a channel that yields EventMessage events and then exactly one
// terminal event, after which it is closed. Cancelling ctx asks the runner to
// stop; it may still deliver one more event before closing the channel.
type Runner interface {
	Run(ctx context.Context, req *Request) (<-chan *Event, error)
}

// Registry maps model ids to runners.
type Registry struct {
	mu           sync.RWMutex
	runners      map[string]Runner
	defaultModel string
}

// NewRegistry creates an empty Registry whose empty model resolves to
// defaultModel.
func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		runners:      make(map[string]Runner),
		defaultModel: defaultModel,
	}
}

// Register binds model to r, replacing any previous binding.
func (g *Registry) Register(model string, r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[model] = r
}

// Resolve returns the runner for model and the canonical model id.
// An empty model selects the default.
func (g *Registry) Resolve(model string) (Runner, string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if model == "" {
		model = g.defaultModel
	}
	r, ok := g.runners[model]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return r, model, nil
}

// Models lists registered model ids in sorted order.
func (g *Registry) Models() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	models := make([]string, 0, len(g.runners))
	for m := range g.runners {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Default returns the default model id.
func (g *Registry) Default() string {
	return g.defaultModel
}
