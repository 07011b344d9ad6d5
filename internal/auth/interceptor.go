// ABOUTME: gRPC interceptors and per-RPC credentials for bearer token auth
// ABOUTME: Guards runner services and lets clients attach a token to every call

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// authenticate pulls the bearer token out of incoming metadata and verifies it.
func authenticate(ctx context.Context, tokens TokenVerifier, method string, logger *slog.Logger) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		logAuthFailure(logger, ctx, "missing authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}
	token, errMsg := extractBearerToken(vals[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, errMsg, "method", method)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}
	subject, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, err.Error(), "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return WithSubject(ctx, subject), nil
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, tokens, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), tokens, info.FullMethod, logger)
		if err != nil {
			return err
		}
		return handler(srv, &authServerStream{ServerStream: ss, ctx: ctx})
	}
}

// authServerStream wraps grpc.ServerStream to override Context().
type authServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authServerStream) Context() context.Context {
	return s.ctx
}

// BearerCredentials attaches a static bearer token to every RPC.
type BearerCredentials struct {
	Token string
	// AllowInsecure permits sending the token over plaintext connections,
	// which runners on loopback or a tailnet use.
	AllowInsecure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + strings.TrimSpace(c.Token)}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c BearerCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}

var _ credentials.PerRPCCredentials = BearerCredentials{}
