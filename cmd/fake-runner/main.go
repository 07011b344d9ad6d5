// ABOUTME: Minimal fake runner for E2E testing: serves the predictable echo script over gRPC
// ABOUTME: Usage: fake-runner [-addr localhost:50051] [-step 150ms] [-secret S]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/runner"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC listen address")
	step := flag.Duration("step", 150*time.Millisecond, "delay between emitted events")
	secret := flag.String("secret", os.Getenv("COVEN_RUNNER_SECRET"), "JWT secret; when set callers need a bearer token")
	flag.Parse()

	if err := run(*addr, *step, *secret); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, step time.Duration, secret string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var opts []grpc.ServerOption
	if secret != "" {
		verifier := auth.NewJWTVerifier([]byte(secret))
		opts = append(opts,
			grpc.UnaryInterceptor(auth.UnaryInterceptor(verifier, logger)),
			grpc.StreamInterceptor(auth.StreamInterceptor(verifier, logger)),
		)
	}
	srv := grpc.NewServer(opts...)
	runner.NewGRPCServer(runner.NewScripted(runner.Echo(step)), logger).Register(srv)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "fake runner listening on %s (authenticated: %t)\n", lis.Addr(), secret != "")
	return srv.Serve(lis)
}
