// ABOUTME: gRPC transport for remote agent runners without generated stubs
// ABOUTME: Requests and events travel as JSON documents wrapped in google.protobuf.Struct

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-sessions/internal/content"
)

const (
	serviceName = "coven.sessions.v1.AgentRunner"
	runMethod   = "/" + serviceName + "/Run"
)

// agentRunnerServer is the handler type the service descriptor dispatches to.
type agentRunnerServer interface {
	serveRun(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*agentRunnerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Run",
			Handler:       runHandler,
			ServerStreams: true,
		},
	},
	Metadata: "coven/sessions/v1/runner.proto",
}

func runHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(agentRunnerServer).serveRun(req, stream)
}

type wireEvent struct {
	Type    string          `json:"type"`
	Kind    content.Kind    `json:"kind,omitempty"`
	Content []content.Block `json:"content,omitempty"`
	Usage   *content.Usage  `json:"usage,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// payloadField holds the encoded document. Tool inputs and outputs are
// arbitrary JSON, and a Struct number is a double, so the document crosses
// as one string rather than as Struct fields.
const payloadField = "json"

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		payloadField: structpb.NewStringValue(string(data)),
	}}, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	field, ok := s.GetFields()[payloadField]
	if !ok {
		return fmt.Errorf("missing %q field", payloadField)
	}
	str, ok := field.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return fmt.Errorf("field %q is not a string", payloadField)
	}
	return json.Unmarshal([]byte(str.StringValue), v)
}

func encodeEvent(ev *Event) (*structpb.Struct, error) {
	return toStruct(wireEvent{
		Type:    ev.Type.String(),
		Kind:    ev.Kind,
		Content: ev.Content,
		Usage:   ev.Usage,
		Error:   ev.Error,
	})
}

func decodeEvent(s *structpb.Struct) (*Event, error) {
	var w wireEvent
	if err := fromStruct(s, &w); err != nil {
		return nil, err
	}
	ev := &Event{Kind: w.Kind, Content: w.Content, Usage: w.Usage, Error: w.Error}
	switch w.Type {
	case "message":
		ev.Type = EventMessage
	case "done":
		ev.Type = EventDone
	case "error":
		ev.Type = EventError
	default:
		return nil, fmt.Errorf("unknown event type %q", w.Type)
	}
	return ev, nil
}

// GRPCServer exposes a local Runner over gRPC.
type GRPCServer struct {
	runner Runner
	logger *slog.Logger
}

// NewGRPCServer wraps r. A nil logger uses slog.Default().
func NewGRPCServer(r Runner, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{runner: r, logger: logger.With("component", "runner-grpc")}
}

// Register attaches the AgentRunner service to reg.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&serviceDesc, s)
}

func (s *GRPCServer) serveRun(in *structpb.Struct, stream grpc.ServerStream) error {
	var req Request
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}

	s.logger.Debug("run started", "conversation_id", req.ConversationID, "model", req.Model, "turns", len(req.Transcript))

	events, err := s.runner.Run(stream.Context(), &req)
	if err != nil {
		return status.Errorf(codes.Internal, "starting run: %v", err)
	}

	for ev := range events {
		out, err := encodeEvent(ev)
		if err != nil {
			return status.Errorf(codes.Internal, "encoding event: %v", err)
		}
		if err := stream.SendMsg(out); err != nil {
			s.logger.Debug("client went away", "conversation_id", req.ConversationID, "error", err)
			// Drain so the runner goroutine can exit.
			for range events {
			}
			return err
		}
	}
	return nil
}

// GRPCClient is a Runner backed by a remote AgentRunner service.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
}

// NewGRPCClient uses conn for every run.
func NewGRPCClient(conn grpc.ClientConnInterface, logger *slog.Logger) *GRPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{conn: conn, logger: logger.With("component", "runner-client")}
}

// Dial opens a plaintext client connection to a runner at addr. Extra
// options, such as per-RPC credentials, are applied after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing runner %s: %w", addr, err)
	}
	return conn, nil
}

// Run opens a stream and relays events until the server finishes or ctx ends.
// A stream that breaks before a terminal event yields an EventError.
func (c *GRPCClient) Run(ctx context.Context, req *Request) (<-chan *Event, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], runMethod)
	if err != nil {
		return nil, fmt.Errorf("opening run stream: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing send: %w", err)
	}

	ch := make(chan *Event, scriptBufferSize)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				if ctx.Err() != nil {
					return
				}
				emit(ctx, ch, &Event{Type: EventError, Error: "runner stream ended without completion"})
				return
			}
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				c.logger.Warn("runner stream failed", "conversation_id", req.ConversationID, "error", err)
				emit(ctx, ch, &Event{Type: EventError, Error: fmt.Sprintf("runner unavailable: %v", status.Convert(err).Message())})
				return
			}

			ev, err := decodeEvent(msg)
			if err != nil {
				emit(ctx, ch, &Event{Type: EventError, Error: fmt.Sprintf("bad runner event: %v", err)})
				return
			}
			if !emit(ctx, ch, ev) || ev.Type.Terminal() {
				return
			}
		}
	}()

	return ch, nil
}

func emit(ctx context.Context, ch chan<- *Event, ev *Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var (
	_ Runner = (*Scripted)(nil)
	_ Runner = (*GRPCClient)(nil)
)
