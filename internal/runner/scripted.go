// ABOUTME: Scripted runner that replays canned events for tests and demos
// ABOUTME: Includes the predictable echo script used by the fake-runner binary

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sessions/internal/content"
)

// PredictableModel is the model id served by the echo script.
const PredictableModel = "predictable"

const scriptBufferSize = 16

// Step is one entry in a script.
type Step struct {
	// Delay waits before emitting Event. Cancellation cuts the wait short.
	Delay time.Duration
	// Hold blocks until the run is cancelled and then emits Event anyway,
	// modelling a runner that finishes its current step after cancel.
	Hold  bool
	Event *Event
}

// ScriptFunc builds the steps for one request.
type ScriptFunc func(req *Request) []Step

// Scripted is a Runner that plays back a ScriptFunc.
type Scripted struct {
	script ScriptFunc
}

// NewScripted creates a Scripted runner.
func NewScripted(script ScriptFunc) *Scripted {
	return &Scripted{script: script}
}

// Run plays the script in its own goroutine. A script that does not end with
// a terminal event gets an implicit EventDone.
func (s *Scripted) Run(ctx context.Context, req *Request) (<-chan *Event, error) {
	steps := s.script(req)
	ch := make(chan *Event, scriptBufferSize)

	go func() {
		defer close(ch)

		for _, step := range steps {
			if step.Hold {
				<-ctx.Done()
				if step.Event != nil {
					select {
					case ch <- step.Event:
					default:
					}
				}
				return
			}

			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if ctx.Err() != nil {
				return
			}
			if step.Event == nil {
				continue
			}

			select {
			case ch <- step.Event:
			case <-ctx.Done():
				return
			}
			if step.Event.Type.Terminal() {
				return
			}
		}

		select {
		case ch <- &Event{Type: EventDone}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Fixed returns a script that always plays steps.
func Fixed(steps ...Step) ScriptFunc {
	return func(*Request) []Step { return steps }
}

// AgentText is a convenience EventMessage with one text block.
func AgentText(text string) *Event {
	return &Event{Type: EventMessage, Kind: content.KindAgent, Content: []content.Block{content.Text(text)}}
}

// Echo is the predictable script. It reads the last user message:
//
//	error: <text>        fails the run with text
//	tool: <name> <args>  invokes a fake tool, returns its args, then says done
//	sleep: <duration>    waits, then echoes
//	anything else        echoes the text back
//
// step is inserted between every emitted event.
func Echo(step time.Duration) ScriptFunc {
	return func(req *Request) []Step {
		text := strings.TrimSpace(req.LastUserText())
		usage := &content.Usage{
			InputTokens:  uint64(len(req.Transcript) * 10),
			OutputTokens: uint64(len(text)),
		}

		switch {
		case strings.HasPrefix(text, "error:"):
			return []Step{{Delay: step, Event: &Event{
				Type:  EventError,
				Error: strings.TrimSpace(strings.TrimPrefix(text, "error:")),
			}}}

		case strings.HasPrefix(text, "tool:"):
			name, args, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, "tool:")), " ")
			if name == "" {
				name = "noop"
			}
			id := "tool-" + uuid.New().String()[:8]
			input, _ := json.Marshal(map[string]string{"args": args})
			output, _ := json.Marshal(args)
			now := time.Now().UTC()

			call := &Event{
				Type: EventMessage,
				Kind: content.KindAgent,
				Content: []content.Block{
					content.Text(fmt.Sprintf("Running `%s`.", name)),
					content.Invocation(id, name, input),
				},
				Usage: usage,
			}
			result := &Event{
				Type: EventMessage,
				Kind: content.KindTool,
				Content: []content.Block{content.Result(content.ToolResult{
					InvocationID: id,
					Output:       output,
					StartedAt:    now,
					EndedAt:      now.Add(step),
				})},
			}
			return []Step{
				{Delay: step, Event: call},
				{Delay: step, Event: result},
				{Delay: step, Event: AgentText("done")},
			}

		case strings.HasPrefix(text, "sleep:"):
			d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(text, "sleep:")))
			if err != nil {
				d = time.Second
			}
			return []Step{{Delay: d, Event: AgentText("slept " + d.String())}}
		}

		ev := AgentText(text)
		ev.Usage = usage
		return []Step{{Delay: step, Event: ev}}
	}
}
