// ABOUTME: Tests for the gRPC runner transport over a loopback listener
// ABOUTME: Covers event round trips, remote errors and cancellation

package runner

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-sessions/internal/content"
)

func startRunnerServer(t *testing.T, r Runner) *GRPCClient {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	NewGRPCServer(r, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewGRPCClient(conn, nil)
}

func TestGRPC_ToolRoundTrip(t *testing.T) {
	client := startRunnerServer(t, NewScripted(Echo(0)))

	ch, err := client.Run(t.Context(), userRequest("tool: bash pwd"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 4)

	assert.Equal(t, EventMessage, events[0].Type)
	assert.Equal(t, content.KindAgent, events[0].Kind)
	inv := content.Invocations(events[0].Content)
	require.Len(t, inv, 1)
	assert.JSONEq(t, `{"args":"pwd"}`, string(inv[0].Input))
	require.NotNil(t, events[0].Usage)
	assert.Equal(t, uint64(10), events[0].Usage.InputTokens)

	res := content.Results(events[1].Content)
	require.Len(t, res, 1)
	assert.Equal(t, inv[0].ID, res[0].InvocationID)
	assert.Equal(t, "pwd", res[0].OutputText())
	assert.False(t, res[0].StartedAt.IsZero())

	assert.Equal(t, EventDone, events[3].Type)
}

func TestGRPC_ToolPayloadNumbersKeepPrecision(t *testing.T) {
	const input = `{"id":9007199254740993,"ratio":0.1}`

	// Sends the transcript's invocation input back, so the value crosses the
	// link in both directions.
	mirror := NewScripted(func(req *Request) []Step {
		var raw json.RawMessage
		for _, turn := range req.Transcript {
			for _, inv := range content.Invocations(turn.Content) {
				raw = inv.Input
			}
		}
		return []Step{
			{Event: &Event{Type: EventMessage, Kind: content.KindAgent,
				Content: []content.Block{content.Invocation("mirror-1", "echo", raw)}}},
			{Event: &Event{Type: EventDone}},
		}
	})
	client := startRunnerServer(t, mirror)

	req := userRequest("again")
	req.Transcript = append([]Turn{{Kind: content.KindAgent, Content: []content.Block{
		content.Invocation("orig-1", "echo", json.RawMessage(input)),
	}}}, req.Transcript...)

	ch, err := client.Run(t.Context(), req)
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 2)

	inv := content.Invocations(events[0].Content)
	require.Len(t, inv, 1)
	assert.Equal(t, input, string(inv[0].Input))
}

func TestFromStruct_RejectsForeignPayload(t *testing.T) {
	var ev wireEvent
	assert.Error(t, fromStruct(&structpb.Struct{}, &ev))

	s, err := structpb.NewStruct(map[string]any{payloadField: 12})
	require.NoError(t, err)
	assert.Error(t, fromStruct(s, &ev))
}

func TestGRPC_RemoteError(t *testing.T) {
	client := startRunnerServer(t, NewScripted(Echo(0)))

	ch, err := client.Run(t.Context(), userRequest("error: quota exceeded"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "quota exceeded", events[0].Error)
}

func TestGRPC_CancelClosesChannel(t *testing.T) {
	client := startRunnerServer(t, NewScripted(Fixed(Step{Delay: time.Hour, Event: AgentText("late")})))

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := client.Run(ctx, userRequest("x"))
	require.NoError(t, err)

	cancel()
	events := collect(t, ch)
	assert.Empty(t, events)
}

func TestGRPC_ServerGoneYieldsError(t *testing.T) {
	conn, err := Dial("127.0.0.1:1")
	require.NoError(t, err)
	defer conn.Close()

	client := NewGRPCClient(conn, nil)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ch, err := client.Run(ctx, userRequest("x"))
	if err != nil {
		return // failing at stream open is also acceptable
	}
	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}
